package shared

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"gopkg.in/yaml.v3"
)

// ObjectGetter is the part of the S3 API needed to read configuration documents.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// LoadDocument reads bucket/key from S3 and decodes it into out. Keys ending
// in .yaml or .yml are decoded as YAML, everything else as JSON.
func LoadDocument(ctx context.Context, client ObjectGetter, bucket, key string, out interface{}) error {
	if bucket == "" || key == "" {
		return errors.New("config bucket and key must be set")
	}
	getObjectOutput, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.New("failed to get object [" + bucket + "/" + key + "] : " + err.Error())
	}
	defer getObjectOutput.Body.Close()

	content, err := io.ReadAll(getObjectOutput.Body)
	if err != nil {
		return errors.New("failed to read object content : " + err.Error())
	}
	return DecodeDocument(key, content, out)
}

// DecodeDocument decodes content using the format implied by name.
func DecodeDocument(name string, content []byte, out interface{}) error {
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, out); err != nil {
			return errors.New("failed to unmarshal yaml document : " + err.Error())
		}
	default:
		if err := json.Unmarshal(content, out); err != nil {
			return errors.New("failed to unmarshal json document : " + err.Error())
		}
	}
	return nil
}
