package vm

import (
	"fmt"
	"regexp"

	"github.com/limiquantix/orchestrator/internal/domain"
)

// Validation constants
const (
	MaxNameLength   = 255
	MaxNICs         = 16
	MinDiskSizeGiB  = 1
	MaxDiskSizeGiB  = 65536 // 64 TiB
	DefaultRootDisk = 20
)

// ValidNameRegex validates VM names (alphanumeric, hyphens, underscores).
var ValidNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ValidationError represents a validation error with field context.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap lets callers match validation failures with domain.ErrInvalidArgument.
func (e *ValidationError) Unwrap() error { return domain.ErrInvalidArgument }

// validateCreateRequest validates a CreateRequest and fills defaults.
func validateCreateRequest(req *CreateRequest) error {
	if req == nil {
		return &ValidationError{Field: "request", Message: "request cannot be nil"}
	}

	// Name validation
	if req.Name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if len(req.Name) > MaxNameLength {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("name too long (max %d characters)", MaxNameLength)}
	}
	if !ValidNameRegex.MatchString(req.Name) {
		return &ValidationError{Field: "name", Message: "name must start with a letter and contain only alphanumeric characters, hyphens, and underscores"}
	}

	if req.AccountID == "" {
		return &ValidationError{Field: "account_id", Message: "account is required"}
	}
	if req.ClusterID == "" {
		return &ValidationError{Field: "cluster_id", Message: "cluster is required"}
	}
	if req.OfferingID == "" {
		return &ValidationError{Field: "offering_id", Message: "service offering is required"}
	}

	// Disk validation
	if req.RootDiskGiB == 0 {
		req.RootDiskGiB = DefaultRootDisk
	}
	if err := validateDiskSize("root_disk_gib", req.RootDiskGiB); err != nil {
		return err
	}
	if req.DataDiskGiB != 0 {
		if err := validateDiskSize("data_disk_gib", req.DataDiskGiB); err != nil {
			return err
		}
	}

	// Network validation
	if len(req.NetworkIDs) > MaxNICs {
		return &ValidationError{Field: "network_ids", Message: fmt.Sprintf("maximum %d NICs allowed", MaxNICs)}
	}
	seen := make(map[string]bool, len(req.NetworkIDs))
	for i, id := range req.NetworkIDs {
		if id == "" {
			return &ValidationError{Field: fmt.Sprintf("network_ids[%d]", i), Message: "network id cannot be empty"}
		}
		if seen[id] {
			return &ValidationError{Field: fmt.Sprintf("network_ids[%d]", i), Message: "duplicate network"}
		}
		seen[id] = true
	}

	return nil
}

func validateDiskSize(field string, size int64) error {
	if size < MinDiskSizeGiB {
		return &ValidationError{Field: field, Message: fmt.Sprintf("disk must be at least %d GiB", MinDiskSizeGiB)}
	}
	if size > MaxDiskSizeGiB {
		return &ValidationError{Field: field, Message: fmt.Sprintf("disk cannot exceed %d GiB", MaxDiskSizeGiB)}
	}
	return nil
}
