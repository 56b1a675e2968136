package store

// GetStats scans the current state.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		IsSyncing:       s.syncing,
		OutboxLength:    len(s.st.outbox),
		Tombstones:      len(s.st.tombstones),
		StorageDegraded: s.degraded,
	}
	for _, c := range s.st.chats {
		switch c.SyncStatus {
		case StatusPending:
			st.PendingChats++
		case StatusFailed:
			st.FailedChats++
		}
	}
	for _, msgs := range s.st.messages {
		for _, m := range msgs {
			switch m.SyncStatus {
			case StatusPending:
				st.PendingMessages++
			case StatusFailed:
				st.FailedMessages++
			}
		}
	}
	return st
}

// GetQueueStatus describes the outbox.
func (s *Store) GetQueueStatus() QueueStatus {
	qs := QueueStatus{Limit: s.limit, ByChat: map[string]int{}}
	s.View(func(tx *Tx) {
		qs.Operations = tx.AllOps()
	})
	qs.Length = len(qs.Operations)
	for _, op := range qs.Operations {
		qs.ByChat[op.ChatID]++
		if qs.OldestAt == 0 || op.CreatedAt < qs.OldestAt {
			qs.OldestAt = op.CreatedAt
		}
	}
	return qs
}
