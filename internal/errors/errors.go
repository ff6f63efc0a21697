package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for core operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Authentication errors (terminal for the connection attempt)
	ErrCodeUntrustedChain      ErrorCode = 1000
	ErrCodeCertExpired         ErrorCode = 1001
	ErrCodeCertRevoked         ErrorCode = 1002
	ErrCodeUnknownPrincipal    ErrorCode = 1003
	ErrCodeCredentialsRequired ErrorCode = 1004

	// Routing errors
	ErrCodeUnassignedTenant     ErrorCode = 2000
	ErrCodeMigrationConflict    ErrorCode = 2001
	ErrCodePartitionTimeout     ErrorCode = 2002
	ErrCodePartitionUnavailable ErrorCode = 2003

	// Backup/restore errors
	ErrCodeSnapshotFailed  ErrorCode = 3000
	ErrCodeUploadFailed    ErrorCode = 3001
	ErrCodeCorruptArtifact ErrorCode = 3002
	ErrCodeRetryExhausted  ErrorCode = 3003

	// Generic errors
	ErrCodeInvalidArgument ErrorCode = 4000
	ErrCodeNotFound        ErrorCode = 4001
	ErrCodeInternal        ErrorCode = 5000
	ErrCodeUnavailable     ErrorCode = 5001
)

// Kind returns the machine-readable error kind for scheduler/CLI responses
func (c ErrorCode) Kind() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeUntrustedChain:
		return "untrusted_chain"
	case ErrCodeCertExpired:
		return "expired"
	case ErrCodeCertRevoked:
		return "revoked"
	case ErrCodeUnknownPrincipal:
		return "unknown_principal"
	case ErrCodeCredentialsRequired:
		return "credentials_required"
	case ErrCodeUnassignedTenant:
		return "unassigned_tenant"
	case ErrCodeMigrationConflict:
		return "migration_conflict"
	case ErrCodePartitionTimeout:
		return "partition_timeout"
	case ErrCodePartitionUnavailable:
		return "partition_unavailable"
	case ErrCodeSnapshotFailed:
		return "partition_snapshot_failed"
	case ErrCodeUploadFailed:
		return "upload_failed"
	case ErrCodeCorruptArtifact:
		return "corrupt_artifact"
	case ErrCodeRetryExhausted:
		return "retry_exhausted"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeNotFound:
		return "not_found"
	case ErrCodeUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// CoreError represents a structured error with code and context
type CoreError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *CoreError) WithDetail(key string, value interface{}) *CoreError {
	e.Details[key] = value
	return e
}

// ToGRPCStatus converts CoreError to a gRPC status for the request layer
func (e *CoreError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *CoreError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeUntrustedChain, ErrCodeCertExpired, ErrCodeCertRevoked, ErrCodeCredentialsRequired:
		return codes.Unauthenticated
	case ErrCodeUnknownPrincipal:
		return codes.PermissionDenied
	case ErrCodeUnassignedTenant, ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeMigrationConflict:
		return codes.Aborted
	case ErrCodePartitionTimeout:
		return codes.DeadlineExceeded
	case ErrCodePartitionUnavailable, ErrCodeUnavailable:
		return codes.Unavailable
	case ErrCodeCorruptArtifact:
		return codes.DataLoss
	case ErrCodeRetryExhausted:
		return codes.ResourceExhausted
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// ExitCode maps the error to a process exit code for the scheduler/CLI
// collaborator: 0 success, 2 caller mistakes, 3 auth, 4 routing, 5 backup, 1 internal.
func (e *CoreError) ExitCode() int {
	switch {
	case e.Code == ErrCodeOK:
		return 0
	case e.Code == ErrCodeInvalidArgument || e.Code == ErrCodeNotFound:
		return 2
	case e.Code >= 1000 && e.Code < 2000:
		return 3
	case e.Code >= 2000 && e.Code < 3000:
		return 4
	case e.Code >= 3000 && e.Code < 4000:
		return 5
	default:
		return 1
	}
}

// New creates a new CoreError
func New(code ErrorCode, message string, cause error) *CoreError {
	return &CoreError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// Convenience constructors for common errors

func UntrustedChain(cause error) *CoreError {
	return New(ErrCodeUntrustedChain, "certificate chain is not trusted", cause)
}

func CertExpired(commonName string, cause error) *CoreError {
	return New(ErrCodeCertExpired, fmt.Sprintf("certificate for '%s' is outside its validity window", commonName), cause).
		WithDetail("common_name", commonName)
}

func CertRevoked(commonName, serial string) *CoreError {
	return New(ErrCodeCertRevoked, fmt.Sprintf("certificate for '%s' is revoked", commonName), nil).
		WithDetail("common_name", commonName).
		WithDetail("serial", serial)
}

func UnknownPrincipal(commonName string) *CoreError {
	return New(ErrCodeUnknownPrincipal, fmt.Sprintf("identity '%s' is not in the allow-list", commonName), nil).
		WithDetail("common_name", commonName)
}

func CredentialsRequired(peerAddr string) *CoreError {
	return New(ErrCodeCredentialsRequired, "a valid client certificate is required from this origin", nil).
		WithDetail("peer_addr", peerAddr)
}

func UnassignedTenant(tenantID string) *CoreError {
	return New(ErrCodeUnassignedTenant, fmt.Sprintf("tenant '%s' has no active partition assignment", tenantID), nil).
		WithDetail("tenant_id", tenantID)
}

func MigrationConflict(tenantID string, cause error) *CoreError {
	return New(ErrCodeMigrationConflict, fmt.Sprintf("another migration is in flight for tenant '%s'", tenantID), cause).
		WithDetail("tenant_id", tenantID)
}

func PartitionTimeout(partitionID string, cause error) *CoreError {
	return New(ErrCodePartitionTimeout, fmt.Sprintf("partition '%s' did not respond before the deadline", partitionID), cause).
		WithDetail("partition_id", partitionID)
}

func PartitionUnavailable(partitionID string, cause error) *CoreError {
	return New(ErrCodePartitionUnavailable, fmt.Sprintf("partition '%s' is unavailable", partitionID), cause).
		WithDetail("partition_id", partitionID)
}

func SnapshotFailed(partitionID string, cause error) *CoreError {
	return New(ErrCodeSnapshotFailed, fmt.Sprintf("snapshot of partition '%s' failed", partitionID), cause).
		WithDetail("partition_id", partitionID)
}

func UploadFailed(storageKey string, cause error) *CoreError {
	return New(ErrCodeUploadFailed, fmt.Sprintf("upload of '%s' failed", storageKey), cause).
		WithDetail("storage_key", storageKey)
}

func CorruptArtifact(artifactID, expected, actual string) *CoreError {
	return New(ErrCodeCorruptArtifact, fmt.Sprintf("artifact '%s' failed checksum verification", artifactID), nil).
		WithDetail("artifact_id", artifactID).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func RetryExhausted(operation string, attempts int, cause error) *CoreError {
	return New(ErrCodeRetryExhausted, fmt.Sprintf("%s failed after %d attempts", operation, attempts), cause).
		WithDetail("attempts", attempts)
}

func InvalidArgument(message string, cause error) *CoreError {
	return New(ErrCodeInvalidArgument, message, cause)
}

func NotFound(what, id string) *CoreError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", what, id), nil).
		WithDetail("id", id)
}

func Internal(message string, cause error) *CoreError {
	return New(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *CoreError {
	return New(ErrCodeUnavailable, message, cause)
}

// IsCoreError checks if an error is a CoreError
func IsCoreError(err error) bool {
	var ce *CoreError
	return errors.As(err, &ce)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given error code
func HasCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}
