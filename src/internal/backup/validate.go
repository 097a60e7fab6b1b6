package backup

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/casapps/labops/src/internal/database/models"
	apperrors "github.com/casapps/labops/src/internal/errors"
)

var validate = validator.New()

var compressionAlgorithms = map[string]bool{
	"gzip": true,
	"zstd": true,
	"lz4":  true,
}

var encryptionAlgorithms = map[string]bool{
	"aes-256-gcm":       true,
	"chacha20-poly1305": true,
}

var destinationTypes = map[string]bool{
	"local": true,
	"s3":    true,
	"azure": true,
	"gcp":   true,
	"ftp":   true,
	"sftp":  true,
}

// FieldResult is one entry of a configuration validity report
type FieldResult struct {
	Field   string `json:"field"`
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// ConfigReport is the outcome of a destination configuration test. It is
// produced without side effects and never touches job state.
type ConfigReport struct {
	Valid  bool          `json:"valid"`
	Fields []FieldResult `json:"fields"`
}

func (r *ConfigReport) add(field string, valid bool, message string) {
	if !valid {
		r.Valid = false
	}
	r.Fields = append(r.Fields, FieldResult{Field: field, Valid: valid, Message: message})
}

// TestConfig reports per-field validity of a destination plus its
// compression and encryption settings.
func TestConfig(dest models.Destination, comp models.CompressionConfig, enc models.EncryptionConfig) *ConfigReport {
	report := &ConfigReport{Valid: true}

	if !destinationTypes[dest.Type] {
		report.add("destination.type", false, fmt.Sprintf("unknown destination type %q", dest.Type))
	} else {
		report.add("destination.type", true, "")
	}

	switch dest.Type {
	case "local":
		report.add("destination.path", dest.Path != "", requiredMsg(dest.Path, "path is required"))
	case "s3", "gcp":
		report.add("destination.bucket", dest.Bucket != "", requiredMsg(dest.Bucket, "bucket is required"))
		if dest.Type == "s3" {
			report.add("destination.region", dest.Region != "", requiredMsg(dest.Region, "region is required"))
		}
		report.add("destination.credential_ref", dest.CredentialRef != "", requiredMsg(dest.CredentialRef, "credential reference is required"))
	case "azure":
		report.add("destination.container", dest.Container != "", requiredMsg(dest.Container, "container is required"))
		report.add("destination.account", dest.Account != "", requiredMsg(dest.Account, "storage account is required"))
		report.add("destination.credential_ref", dest.CredentialRef != "", requiredMsg(dest.CredentialRef, "credential reference is required"))
	case "ftp", "sftp":
		if err := validate.Var(dest.Host, "required,hostname|ip"); err != nil {
			report.add("destination.host", false, "host must be a hostname or IP address")
		} else {
			report.add("destination.host", true, "")
		}
		report.add("destination.port", dest.Port > 0 && dest.Port < 65536, requiredIf(dest.Port > 0 && dest.Port < 65536, "port must be between 1 and 65535"))
		report.add("destination.username", dest.Username != "", requiredMsg(dest.Username, "username is required"))
		report.add("destination.credential_ref", dest.CredentialRef != "", requiredMsg(dest.CredentialRef, "credential reference is required"))
	}

	if err := ValidateRetention(dest.Retention); err != nil {
		report.add("destination.retention", false, err.Error())
	} else {
		report.add("destination.retention", true, "")
	}

	if comp.Enabled {
		if !compressionAlgorithms[comp.Algorithm] {
			report.add("compression.algorithm", false, fmt.Sprintf("unsupported compression algorithm %q", comp.Algorithm))
		} else {
			report.add("compression.algorithm", true, "")
		}
		report.add("compression.level", comp.Level >= 0 && comp.Level <= 9, requiredIf(comp.Level >= 0 && comp.Level <= 9, "level must be between 0 and 9"))
	}

	if enc.Enabled {
		if !encryptionAlgorithms[enc.Algorithm] {
			report.add("encryption.algorithm", false, fmt.Sprintf("unsupported encryption algorithm %q", enc.Algorithm))
		} else {
			report.add("encryption.algorithm", true, "")
		}
		report.add("encryption.key_ref", enc.KeyRef != "", requiredMsg(enc.KeyRef, "key reference is required"))
	}

	return report
}

// ValidateJob rejects a malformed job configuration at create/update time
// so nothing invalid ever reaches execution.
func ValidateJob(job *models.BackupJob) error {
	if job.Name == "" {
		return apperrors.ValidationError("name is required", "name")
	}
	switch job.Type {
	case models.JobTypeFull, models.JobTypeIncremental, models.JobTypeDifferential,
		models.JobTypeDatabase, models.JobTypeFiles:
	default:
		return apperrors.ValidationError(fmt.Sprintf("unknown job type %q", job.Type), "type")
	}
	if len(job.Sources) == 0 {
		return apperrors.ValidationError("at least one source is required", "sources")
	}
	for _, src := range job.Sources {
		if src.Kind != "database" && src.Kind != "path" {
			return apperrors.ValidationError("source kind must be database or path", "sources")
		}
		if src.Name == "" {
			return apperrors.ValidationError("source name is required", "sources")
		}
	}
	if job.MaxExecutionSecs <= 0 {
		return apperrors.ValidationError("max execution time must be positive", "max_execution_secs")
	}

	if err := ValidateSchedule(job.Schedule); err != nil {
		return err
	}

	switch job.DependencyOpts.OnUnmet {
	case "", models.UnmetWait, models.UnmetSkip, models.UnmetFail:
	default:
		return apperrors.ValidationError("on_unmet must be wait, skip or fail", "dependency_opts.on_unmet")
	}

	for _, recipient := range job.Notifications.Recipients {
		if err := validate.Var(recipient, "email"); err != nil {
			return apperrors.ValidationError(fmt.Sprintf("invalid recipient address %q", recipient), "notifications.recipients")
		}
	}

	report := TestConfig(job.Destination, job.Compression, job.Encryption)
	if !report.Valid {
		for _, f := range report.Fields {
			if !f.Valid {
				return apperrors.ValidationError(f.Message, f.Field)
			}
		}
	}
	return nil
}

func requiredMsg(value, message string) string {
	if value != "" {
		return ""
	}
	return message
}

func requiredIf(ok bool, message string) string {
	if ok {
		return ""
	}
	return message
}
