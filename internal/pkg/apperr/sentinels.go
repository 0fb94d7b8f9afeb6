package apperr

// Domain failures shared by admission, provisioning and the membership view.
var (
	ErrSessionNotFound     = New(NotFound, "session not found")
	ErrSessionInactive     = New(InactiveResource, "this session is no longer active")
	ErrInvalidName         = New(ValidationError, "please enter your name")
	ErrParticipantNotFound = New(NotFound, "participant not found")
	ErrDuplicateID         = New(ConstraintViolation, "a record with this id already exists")
)
