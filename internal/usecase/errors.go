package usecase

import (
	"errors"
	"fmt"

	"github.com/example/face-verify/internal/faceembed"
	"github.com/example/face-verify/internal/imagedecode"
)

// Role names which of the two uploads an error concerns.
type Role string

const (
	RoleCard Role = "card"
	RoleLive Role = "live"
)

// Wire error codes.
const (
	CodeCardImageInvalid    = "card_image_invalid"
	CodeLiveImageInvalid    = "live_image_invalid"
	CodeCardFaceNotDetected = "card_face_not_detected"
	CodeLiveFaceNotDetected = "live_face_not_detected"
	CodeVerificationFailed  = "verification_failed"
)

// ImageError is a problem with the content of one upload, as opposed to a
// failure of the service itself.
type ImageError struct {
	Role Role
	Err  error
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("%s image: %v", e.Role, e.Err)
}

func (e *ImageError) Unwrap() error {
	return e.Err
}

// ErrorCode maps an error returned by Verify to its wire code.
func ErrorCode(err error) string {
	var imgErr *ImageError
	if !errors.As(err, &imgErr) {
		return CodeVerificationFailed
	}
	switch {
	case errors.Is(imgErr.Err, imagedecode.ErrUndecodable):
		if imgErr.Role == RoleCard {
			return CodeCardImageInvalid
		}
		return CodeLiveImageInvalid
	case errors.Is(imgErr.Err, faceembed.ErrNoFace):
		if imgErr.Role == RoleCard {
			return CodeCardFaceNotDetected
		}
		return CodeLiveFaceNotDetected
	default:
		return CodeVerificationFailed
	}
}
