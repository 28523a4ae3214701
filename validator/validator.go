// Package validator wraps a vendor-supplied shader-module validation library behind
// a small capability interface. The vendor library does all the real work: this
// package only owns the loaded library handles, forwards validate and disassemble
// calls, and resolves human-readable diagnostics when the optional diagnostics
// component is available.
package validator

import (
	"context"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// ErrDiagnosticsUnavailable is returned by Disassemble when the optional
// diagnostics component failed to load. Callers that only validate never see it.
var ErrDiagnosticsUnavailable = errors.New("disassembly requires the diagnostics component, which is not loaded")

// ValidationError is returned by Validate when the vendor validator rejects a
// module and the diagnostics component produced a human-readable message.
type ValidationError struct {
	// Diagnostic is the vendor's explanation of the failure.
	Diagnostic string
}

func (e *ValidationError) Error() string {
	return "module validation failed: " + e.Diagnostic
}

// ValidatorBackend is the mandatory vendor validation entry point. Creating a
// Validator fails if this backend cannot be loaded.
type ValidatorBackend interface {
	// ValidateModule runs vendor validation over an opaque binary module. ok reports
	// whether the module passed. diagnostic is an opaque vendor blob describing a
	// failure; it may be nil even when ok is false. err reports a failure to run
	// validation at all, as opposed to a validation verdict.
	ValidateModule(module []byte) (ok bool, diagnostic []byte, err error)
	// Release frees the vendor resources held by this backend.
	Release()
}

// DiagnosticsBackend is the optional vendor diagnostics/compiler entry point. It is
// loaded on a best-effort basis: most end-user installs will not have it, and its
// absence only disables disassembly and diagnostic messages.
type DiagnosticsBackend interface {
	// Disassemble converts an opaque binary module into an opaque text blob.
	Disassemble(module []byte) ([]byte, error)
	// DecodeDiagnostic converts an opaque vendor blob into a UTF-8 string.
	DecodeDiagnostic(blob []byte) (string, error)
	// Release frees the vendor resources held by this backend.
	Release()
}

// Loader locates and loads the vendor components. How libraries are found and
// loaded is platform-specific and owned by the implementation.
type Loader interface {
	// LoadValidator loads the mandatory validation component.
	LoadValidator() (ValidatorBackend, error)
	// LoadDiagnostics loads the optional diagnostics component. Errors are reported
	// but not fatal.
	LoadDiagnostics() (DiagnosticsBackend, error)
}

// Validator validates and disassembles opaque binary shader modules.
type Validator interface {
	// Validate returns nil if the vendor validator accepts the module. A rejection
	// with an available diagnostic returns a *ValidationError; a rejection without
	// one returns a bare error.
	Validate(module []byte) error
	// Disassemble returns vendor disassembly for the module, or
	// ErrDiagnosticsUnavailable when the diagnostics component is not loaded.
	Disassemble(module []byte) (string, error)
	// Destroy releases all vendor library handles held by this validator. It is
	// idempotent.
	Destroy() error
}

type vendorValidator struct {
	logger *slog.Logger

	validation  ValidatorBackend
	diagnostics DiagnosticsBackend
	destroyed   bool
}

var _ Validator = &vendorValidator{}

// New loads the vendor components through the provided Loader and returns a
// Validator owning them. The validation component is a hard requirement- New fails
// if it cannot be loaded. The diagnostics component is best-effort: a load failure
// is logged and disassembly is disabled, but New still succeeds. When logger is
// nil, slog.Default() is used.
func New(logger *slog.Logger, loader Loader) (Validator, error) {
	if loader == nil {
		return nil, errors.New("validators require a loader, but none was provided")
	}
	if logger == nil {
		logger = slog.Default()
	}

	validation, err := loader.LoadValidator()
	if err != nil {
		return nil, cerrors.Wrap(err, "loading the vendor validation component")
	}

	diagnostics, err := loader.LoadDiagnostics()
	if err != nil {
		// The user may still want diagnostics, so say what went wrong, but this is
		// not an error.
		logger.LogAttrs(context.Background(), slog.LevelWarn,
			"failed to load the vendor diagnostics component, disassembly and diagnostic messages are disabled",
			slog.Any("error", err))
		diagnostics = nil
	}

	return &vendorValidator{
		logger:      logger,
		validation:  validation,
		diagnostics: diagnostics,
	}, nil
}

func (v *vendorValidator) Validate(module []byte) error {
	if v.destroyed {
		return errors.New("attempted to validate with a destroyed validator")
	}

	ok, diagnostic, err := v.validation.ValidateModule(module)
	if err != nil {
		return cerrors.Wrap(err, "running vendor validation")
	}
	if ok {
		return nil
	}

	if v.diagnostics == nil {
		v.logger.LogAttrs(context.Background(), slog.LevelWarn,
			"validation failed, but the diagnostics component is not loaded, so no vendor message is available")
		return errors.New("module validation failed")
	}

	message, decodeErr := v.diagnostics.DecodeDiagnostic(diagnostic)
	if decodeErr != nil {
		v.logger.LogAttrs(context.Background(), slog.LevelError,
			"failed to decode the vendor diagnostic for a validation failure",
			slog.Any("error", decodeErr))
		return errors.New("module validation failed")
	}

	return &ValidationError{Diagnostic: message}
}

func (v *vendorValidator) Disassemble(module []byte) (string, error) {
	if v.destroyed {
		return "", errors.New("attempted to disassemble with a destroyed validator")
	}
	if v.diagnostics == nil {
		return "", ErrDiagnosticsUnavailable
	}

	blob, err := v.diagnostics.Disassemble(module)
	if err != nil {
		return "", cerrors.Wrap(err, "running vendor disassembly")
	}

	text, err := v.diagnostics.DecodeDiagnostic(blob)
	if err != nil {
		return "", cerrors.Wrap(err, "decoding vendor disassembly")
	}

	return text, nil
}

func (v *vendorValidator) Destroy() error {
	if v.destroyed {
		return nil
	}
	v.destroyed = true

	v.validation.Release()
	v.validation = nil

	if v.diagnostics != nil {
		v.diagnostics.Release()
		v.diagnostics = nil
	}

	return nil
}
