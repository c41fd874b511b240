package service

import (
	"errors"
)

// 错误类别。具体错误都包装其中一个类别，调用方用 errors.Is 判断类别。
var (
	ErrValidation     = errors.New("validation error")
	ErrAuthorization  = errors.New("authorization error")
	ErrConflict       = errors.New("state conflict")
	ErrNotFound       = errors.New("not found")
	ErrInfrastructure = errors.New("infrastructure unavailable")
	ErrInternalServer = errors.New("internal server error")
)

// Error 是带类别的业务错误，Error() 返回可以直接展示给客户端的信息。
type Error struct {
	kind error
	msg  string
}

func (e *Error) Error() string { return e.msg }
func (e *Error) Unwrap() error { return e.kind }

func newError(kind error, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// NewValidationError 构造一个带自定义信息的校验错误
func NewValidationError(msg string) error {
	return newError(ErrValidation, msg)
}

var (
	ErrInvalidRoomCode    = newError(ErrValidation, "Invalid room code format")
	ErrInvalidDisplayName = newError(ErrValidation, "Display name is required (1-50 characters)")
	ErrInvalidConnID      = newError(ErrValidation, "Connection id is required")

	ErrNotHost       = newError(ErrAuthorization, "Only the room host can do that")
	ErrNotYourPlayer = newError(ErrAuthorization, "Cannot report on behalf of another player")

	ErrRoomFull         = newError(ErrConflict, "Room is full")
	ErrNameTaken        = newError(ErrConflict, "Player name is already taken in this room")
	ErrInvalidState     = newError(ErrConflict, "Not allowed in the current game state")
	ErrNotEnoughPlayers = newError(ErrConflict, "At least 2 active players required to start")
	ErrAlreadyInRoom    = newError(ErrConflict, "Already in a room")

	ErrRoomNotFound   = newError(ErrNotFound, "Room not found")
	ErrPlayerNotFound = newError(ErrNotFound, "Player not found")
	ErrNotInRoom      = newError(ErrNotFound, "Not in a room")

	// ErrCodeSpaceExhausted 房间码重试耗尽，视为配置错误
	ErrCodeSpaceExhausted = newError(ErrInternalServer, "Unable to generate a unique room code")
)

// IsClientError 判断错误是否属于可以直接回显给客户端的业务错误
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrAuthorization) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotFound)
}
