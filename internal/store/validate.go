package store

import (
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/ids"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateChat(c *Chat) error {
	if err := validate.Struct(c); err != nil {
		return errs.E(errs.Validation, "validate chat", err)
	}
	if c.LocalID != "" && !ids.IsLocalID(c.LocalID) {
		return errs.Errorf(errs.Validation, "validate chat", "local id %q lacks the %q prefix", c.LocalID, ids.LocalPrefix)
	}
	if c.RemoteID != "" {
		if err := ids.ValidateRemoteID(c.RemoteID); err != nil {
			return errs.E(errs.Validation, "validate chat", err)
		}
	}
	return nil
}

func validateMessage(m *Message) error {
	if err := validate.Struct(m); err != nil {
		return errs.E(errs.Validation, "validate message", err)
	}
	if !utf8.ValidString(m.Content) {
		return errs.Errorf(errs.Validation, "validate message", "content of %q is not valid UTF-8", m.ID)
	}
	if m.RemoteID != "" {
		if err := ids.ValidateRemoteID(m.RemoteID); err != nil {
			return errs.E(errs.Validation, "validate message", err)
		}
	}
	return nil
}
