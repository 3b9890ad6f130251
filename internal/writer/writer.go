package writer

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const DefaultBaseDir = "/tmp"

// ObjectStore is the part of S3 the writer needs.
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Writer writes report files to local scratch space and S3.
type Writer interface {
	// Write data to s3 bucket, returns the object key
	ExportToS3(ctx context.Context, bucket, key, prefix string, data []byte) (string, error)
	// Upload a local file under prefix using its base name
	ExportFileToS3(ctx context.Context, bucket, prefix, fullPath string) (string, error)
	// Write csv file to the base directory
	WriteCSV(filename string, header []string, records [][]string) (string, error)
	// Deletes file
	DeleteTempFile(filename string) error
	// Deletes object from S3
	DeleteObjectFromS3(ctx context.Context, bucket, key, prefix string) error
}

type _Writer struct {
	s3Client ObjectStore
	baseDir  string
}

type WriterInitConfig struct {
	S3Client ObjectStore
	BaseDir  string
}

func Init(config WriterInitConfig) (Writer, error) {
	if config.S3Client == nil {
		return nil, errors.New("s3 client is not set")
	}
	baseDir := config.BaseDir
	if baseDir == "" {
		baseDir = DefaultBaseDir
	}
	return &_Writer{
		s3Client: config.S3Client,
		baseDir:  baseDir,
	}, nil
}

// DeleteTempFile deletes a file from the base directory.
func (w *_Writer) DeleteTempFile(filename string) error {
	return os.Remove(filepath.Join(w.baseDir, filepath.Base(filename)))
}

// DeleteObjectFromS3 deletes prefix/key from bucket.
func (w *_Writer) DeleteObjectFromS3(ctx context.Context, bucket, key, prefix string) error {
	_, err := w.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(path.Join(prefix, key)),
	})
	return err
}

// WriteCSV writes header and records to filename in the base directory and
// returns the full path.
func (w *_Writer) WriteCSV(filename string, header []string, records [][]string) (string, error) {
	fullPath := filepath.Join(w.baseDir, filename)

	file, err := os.Create(fullPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return "", err
	}
	for _, record := range records {
		if err := writer.Write(record); err != nil {
			return "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}

	return fullPath, nil
}

// ExportToS3 uploads data to bucket at prefix/key.
func (w *_Writer) ExportToS3(ctx context.Context, bucket, key, prefix string, data []byte) (string, error) {
	if bucket == "" || key == "" {
		return "", errors.New("bucket and key are required")
	}
	fullKey := path.Join(prefix, key)
	_, err := w.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(key)),
	})
	if err != nil {
		return "", err
	}
	return fullKey, nil
}

func (w *_Writer) ExportFileToS3(ctx context.Context, bucket, prefix, fullPath string) (string, error) {
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", err
	}
	return w.ExportToS3(ctx, bucket, filepath.Base(fullPath), prefix, data)
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}
