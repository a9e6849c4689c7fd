package compliance

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// MaxContainerSize bounds an uploaded PKCS#12 container
const MaxContainerSize = 1 << 20

// MaxBulkDocuments bounds a bulk send or query
const MaxBulkDocuments = 500

// UploadCertificateRequest imports a PKCS#12 container as the tenant's signing identity
type UploadCertificateRequest struct {
	TenantID  uuid.UUID `json:"tenant_id" validate:"required"`
	Container []byte    `json:"container" validate:"required,max=1048576"`
	Password  string    `json:"-" validate:"max=256"`
	Alias     string    `json:"alias,omitempty" validate:"omitempty,max=100"`
	IsRenewal bool      `json:"is_renewal"`
}

// SubmitRequest selects the documents of a bulk send or query
type SubmitRequest struct {
	TenantID    uuid.UUID   `json:"tenant_id" validate:"required"`
	DocumentIDs []uuid.UUID `json:"document_ids" validate:"required,min=1,max=500"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Use JSON tag names for field names in errors
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return strings.ToLower(fld.Name)
		}
		return name
	})
	return v
}

// validateRequest checks req and wraps violations with sentinel
func validateRequest(req any, sentinel error) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, validationMessage(e))
	}
	return fmt.Errorf("%w: %s", sentinel, strings.Join(msgs, "; "))
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return e.Field() + " is required"
	case "min":
		return e.Field() + " must have at least " + e.Param() + " items"
	case "max":
		if e.Kind() == reflect.String {
			return e.Field() + " must be at most " + e.Param() + " characters"
		}
		return e.Field() + " must be at most " + e.Param() + " long"
	default:
		return e.Field() + " is invalid"
	}
}

func (r UploadCertificateRequest) validate() error {
	return validateRequest(r, compliance.ErrInvalidUploadRequest)
}

func (r SubmitRequest) validate() error {
	return validateRequest(r, compliance.ErrInvalidRequest)
}
