package types

import "errors"

var (
	ErrUnknownEvent      = errors.New("unknown event")
	ErrMalformedEvent    = errors.New("malformed event payload")
	ErrMissingSessionID  = errors.New("missing sessionId")
	ErrMissingReceiverID = errors.New("missing receiverId")
	ErrMissingStatus     = errors.New("missing status")
	ErrMissingUserID     = errors.New("missing user id")
	ErrInvalidRole       = errors.New("invalid role: must be admin, supervisor, proctor, teacher or student")
)
