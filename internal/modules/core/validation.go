package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/eskrenkovic/mediator-go"
)

type Validator interface {
	Validate() error
}

type ValidationError struct {
	ValidationErrors []error
}

func (e ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed:")
	for _, err := range e.ValidationErrors {
		b.WriteString(" '")
		b.WriteString(err.Error())
		b.WriteString("'")
	}
	return b.String()
}

func (e ValidationError) Unwrap() []error {
	return e.ValidationErrors
}

// Validations collects failed checks into a single ValidationError.
type Validations struct {
	errs []error
}

func (v *Validations) Check(ok bool, format string, args ...any) {
	if !ok {
		v.errs = append(v.errs, fmt.Errorf(format, args...))
	}
}

func (v *Validations) Add(err error) {
	if err != nil {
		v.errs = append(v.errs, err)
	}
}

func (v *Validations) Err() error {
	if len(v.errs) == 0 {
		return nil
	}

	return ValidationError{ValidationErrors: v.errs}
}

type RequestValidationBehavior struct{}

func (b *RequestValidationBehavior) Handle(
	ctx context.Context,
	request interface{},
	next mediator.RequestHandlerFunc,
) (interface{}, error) {
	if request, ok := request.(Validator); ok {
		if err := request.Validate(); err != nil {
			return nil, NewCommandError(400, err, WithReason("request validation failed"))
		}
	}

	return next(ctx, request)
}
