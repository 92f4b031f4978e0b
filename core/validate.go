package core

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/openlot/image-delivery/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateRequest rejects malformed requests before any dispatch so that
// invalid parameters never consume a worker slot or a network call.  All
// failures carry ClassInvalidRequest and are never retried.
func ValidateRequest(req TransformRequest) error {
	const op = "core.validate"

	if req.Source.ID == "" {
		return apperrors.New(apperrors.ClassInvalidRequest, op,
			fmt.Errorf("source reference has empty id"))
	}
	if req.Params == nil {
		return apperrors.New(apperrors.ClassInvalidRequest, op,
			fmt.Errorf("missing parameters for %q", req.Op))
	}
	if req.Params.Operation() != req.Op {
		return apperrors.New(apperrors.ClassInvalidRequest, op,
			fmt.Errorf("parameter type %T does not match operation %q", req.Params, req.Op))
	}

	if err := validate.Struct(req.Params); err != nil {
		return apperrors.New(apperrors.ClassInvalidRequest, op, err)
	}

	// Cross-field rules the tag language cannot express.
	switch p := req.Params.(type) {
	case ResizeParams:
		if p.Width == 0 && p.Height == 0 {
			return apperrors.New(apperrors.ClassInvalidRequest, op,
				fmt.Errorf("resize requires at least one non-zero axis"))
		}
	case CropParams:
		if (p.CanvasWidth == 0) != (p.CanvasHeight == 0) {
			return apperrors.New(apperrors.ClassInvalidRequest, op,
				fmt.Errorf("crop canvas requires both axes or neither"))
		}
	default:
		// Remaining operations are fully covered by struct tags.
	}
	return nil
}
