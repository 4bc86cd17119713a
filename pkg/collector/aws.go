package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
	"github.com/Mindburn-Labs/assure/pkg/resiliency"
)

// AWS aspects.
const (
	AspectS3Encryption        = "s3_encryption"
	AspectS3Versioning        = "s3_versioning"
	AspectS3PublicAccessBlock = "s3_public_access_block"
)

// S3API is the subset of the S3 client the collector uses.
type S3API interface {
	ListBuckets(ctx context.Context, in *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	GetBucketEncryption(ctx context.Context, in *s3.GetBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.GetBucketEncryptionOutput, error)
	GetBucketVersioning(ctx context.Context, in *s3.GetBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error)
	GetPublicAccessBlock(ctx context.Context, in *s3.GetPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error)
}

// S3ClientFactory builds an S3 client from integration config.
type S3ClientFactory func(ctx context.Context, cfg Config) (S3API, error)

// AWSCollector inspects S3 bucket settings.
type AWSCollector struct {
	*BaseCollector
	newClient S3ClientFactory
}

// NewAWSCollector creates an AWS collector using static or default credentials.
func NewAWSCollector() *AWSCollector {
	return &AWSCollector{
		BaseCollector: NewBaseCollector(compliance.IntegrationAWS, map[string]float64{
			AspectS3Encryption:        1.00,
			AspectS3Versioning:        0.90,
			AspectS3PublicAccessBlock: 0.95,
		}, rate.Every(100*time.Millisecond), 10),
		newClient: defaultS3Client,
	}
}

// WithClientFactory overrides client construction for testing.
func (c *AWSCollector) WithClientFactory(f S3ClientFactory) *AWSCollector {
	c.newClient = f
	return c
}

func defaultS3Client(ctx context.Context, cfg Config) (S3API, error) {
	region := cfg["region"]
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg["access_key_id"] != "" {
		if err := cfg.Require("access_key_id", "secret_access_key"); err != nil {
			return nil, err
		}
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg["access_key_id"], cfg["secret_access_key"], cfg["session_token"])))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := cfg["endpoint"]; endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (c *AWSCollector) Collect(ctx context.Context, aspect string, cfg Config) (*Result, error) {
	if _, err := c.Threshold(aspect); err != nil {
		return nil, err
	}
	client, err := c.newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Wait(ctx); err != nil {
		return nil, err
	}
	list, err := client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, classifyAWS(err)
	}

	resources := make([]Resource, 0, len(list.Buckets))
	for _, b := range list.Buckets {
		name := aws.ToString(b.Name)
		if err := c.Wait(ctx); err != nil {
			return nil, err
		}
		var r Resource
		switch aspect {
		case AspectS3Encryption:
			r, err = c.encryption(ctx, client, name)
		case AspectS3Versioning:
			r, err = c.versioning(ctx, client, name)
		case AspectS3PublicAccessBlock:
			r, err = c.publicAccessBlock(ctx, client, name)
		}
		if err != nil {
			return nil, err
		}
		resources = append(resources, r)
	}
	return c.Result(aspect, resources)
}

func (c *AWSCollector) encryption(ctx context.Context, client S3API, bucket string) (Resource, error) {
	out, err := client.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{Bucket: aws.String(bucket)})
	if err != nil {
		if apiErrorCode(err) == "ServerSideEncryptionConfigurationNotFoundError" {
			return Resource{Name: bucket, Detail: "no default encryption"}, nil
		}
		return Resource{}, classifyAWS(err)
	}
	if out.ServerSideEncryptionConfiguration == nil || len(out.ServerSideEncryptionConfiguration.Rules) == 0 {
		return Resource{Name: bucket, Detail: "no default encryption"}, nil
	}
	algo := ""
	if d := out.ServerSideEncryptionConfiguration.Rules[0].ApplyServerSideEncryptionByDefault; d != nil {
		algo = string(d.SSEAlgorithm)
	}
	return Resource{Name: bucket, Compliant: true, Detail: algo}, nil
}

func (c *AWSCollector) versioning(ctx context.Context, client S3API, bucket string) (Resource, error) {
	out, err := client.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: aws.String(bucket)})
	if err != nil {
		return Resource{}, classifyAWS(err)
	}
	enabled := out.Status == s3types.BucketVersioningStatusEnabled
	return Resource{Name: bucket, Compliant: enabled, Detail: string(out.Status)}, nil
}

func (c *AWSCollector) publicAccessBlock(ctx context.Context, client S3API, bucket string) (Resource, error) {
	out, err := client.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{Bucket: aws.String(bucket)})
	if err != nil {
		if apiErrorCode(err) == "NoSuchPublicAccessBlockConfiguration" {
			return Resource{Name: bucket, Detail: "no public access block"}, nil
		}
		return Resource{}, classifyAWS(err)
	}
	pab := out.PublicAccessBlockConfiguration
	blocked := pab != nil &&
		aws.ToBool(pab.BlockPublicAcls) && aws.ToBool(pab.BlockPublicPolicy) &&
		aws.ToBool(pab.IgnorePublicAcls) && aws.ToBool(pab.RestrictPublicBuckets)
	detail := ""
	if !blocked {
		detail = "public access partially allowed"
	}
	return Resource{Name: bucket, Compliant: blocked, Detail: detail}, nil
}

func apiErrorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

// classifyAWS marks credential and permission failures permanent.
func classifyAWS(err error) error {
	switch apiErrorCode(err) {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
		return resiliency.Permanent(fmt.Errorf("aws: %w", err))
	}
	return fmt.Errorf("aws: %w", err)
}
