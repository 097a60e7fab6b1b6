package storage

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/casapps/labops/src/internal/backup"
	"github.com/casapps/labops/src/internal/database/models"
)

// LocalExecutor writes backup artifacts as tar.gz archives on the local
// filesystem. It is the built-in storage collaborator for destination type
// "local"; remote backends (s3, azure, gcp, ftp, sftp) are plugged in as
// separate Executor implementations.
type LocalExecutor struct{}

// NewLocalExecutor creates a new local filesystem executor
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{}
}

// Run implements backup.Executor. Cancellation is observed between
// sources; each source is a checkpoint.
func (x *LocalExecutor) Run(ctx context.Context, job *models.BackupJob, rep backup.Reporter) (*models.Result, error) {
	if job.Destination.Type != "local" {
		return nil, backup.NewRunError(backup.ExecErrConfig,
			fmt.Sprintf("local executor cannot handle destination type %q", job.Destination.Type), false)
	}

	if err := os.MkdirAll(job.Destination.Path, 0o755); err != nil {
		return nil, backup.NewRunError(backup.ExecErrIO, fmt.Sprintf("failed to create destination directory: %v", err), true)
	}

	compress, level := gzipSettings(job.Compression, rep)
	ext := ".tar"
	if compress {
		ext = ".tar.gz"
	}
	filename := fmt.Sprintf("%s-%s%s", job.Name, time.Now().UTC().Format("20060102-150405"), ext)
	outputPath := filepath.Join(job.Destination.Path, filename)

	outFile, err := os.Create(outputPath)
	if err != nil {
		return nil, backup.NewRunError(backup.ExecErrIO, fmt.Sprintf("failed to create archive: %v", err), true)
	}
	defer outFile.Close()

	hasher := sha256.New()
	sink := io.MultiWriter(outFile, hasher)
	archive := sink
	var gzipWriter *gzip.Writer
	if compress {
		gzipWriter, err = gzip.NewWriterLevel(sink, level)
		if err != nil {
			gzipWriter = gzip.NewWriter(sink)
		}
		archive = gzipWriter
	}
	tarWriter := tar.NewWriter(archive)

	abort := func() {
		tarWriter.Close()
		if gzipWriter != nil {
			gzipWriter.Close()
		}
		os.Remove(outputPath)
	}

	stats := models.BackupStats{}
	total := len(job.Sources)
	var bytesProcessed int64

	for i, src := range job.Sources {
		// Cancellation checkpoint between sources.
		if err := ctx.Err(); err != nil {
			abort()
			return nil, err
		}

		rep.Progress(models.Progress{
			Percentage:     float64(i) / float64(total) * 100,
			CurrentStep:    src.Name,
			TotalSteps:     total,
			CompletedSteps: i,
			BytesProcessed: bytesProcessed,
			BytesTotal:     job.TotalSize(),
		})
		rep.Log("info", fmt.Sprintf("backing up %s", src.Name), "")

		if src.Kind != "path" {
			rep.Log("warn", fmt.Sprintf("skipping non-path source %s", src.Name), "local executor only handles file paths")
			continue
		}

		n, files, err := addPath(tarWriter, src.Name)
		if err != nil {
			abort()
			return nil, backup.NewRunError(backup.ExecErrIO, fmt.Sprintf("failed to archive %s: %v", src.Name, err), true)
		}
		bytesProcessed += n
		stats.Files += files
		stats.Bytes += n
	}

	if err := tarWriter.Close(); err != nil {
		return nil, backup.NewRunError(backup.ExecErrIO, fmt.Sprintf("failed to finish archive: %v", err), true)
	}
	if gzipWriter != nil {
		if err := gzipWriter.Close(); err != nil {
			return nil, backup.NewRunError(backup.ExecErrIO, fmt.Sprintf("failed to finish archive: %v", err), true)
		}
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return nil, backup.NewRunError(backup.ExecErrIO, fmt.Sprintf("failed to stat archive: %v", err), true)
	}

	rep.Progress(models.Progress{
		Percentage:     100,
		TotalSteps:     total,
		CompletedSteps: total,
		BytesProcessed: bytesProcessed,
		BytesTotal:     job.TotalSize(),
	})

	verifiedAt := time.Now().UTC()
	return &models.Result{
		File: &models.BackupFile{
			Path:     outputPath,
			Size:     info.Size(),
			Checksum: hex.EncodeToString(hasher.Sum(nil)),
		},
		Stats: stats,
		Verification: models.Verification{
			Status:        models.VerificationPassed,
			ChecksumMatch: true,
			VerifiedAt:    &verifiedAt,
		},
	}, nil
}

// gzipSettings resolves the job's compression config for the local
// executor. Disabled means a plain tar; unsupported algorithms fall back
// to gzip with a warning; out-of-range levels use the gzip default.
func gzipSettings(cfg models.CompressionConfig, rep backup.Reporter) (bool, int) {
	if !cfg.Enabled {
		return false, 0
	}
	switch cfg.Algorithm {
	case "", "gzip":
	default:
		rep.Log("warn", fmt.Sprintf("compression algorithm %q not supported by the local executor, using gzip", cfg.Algorithm), "")
	}
	level := cfg.Level
	if level < gzip.BestSpeed || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	return true, level
}

// addPath writes a file or directory tree into the archive
func addPath(tw *tar.Writer, root string) (int64, int64, error) {
	var bytes, files int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, info.Name())
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(filepath.Dir(root), path)
		if err != nil {
			return err
		}
		header.Name = relPath

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		n, err := io.Copy(tw, file)
		if err != nil {
			return err
		}
		bytes += n
		files++
		return nil
	})
	return bytes, files, err
}
