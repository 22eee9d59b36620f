package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/agendapos/agendapos/internal/config"
	ierr "github.com/agendapos/agendapos/internal/errors"
)

const presignExpiry = 30 * time.Minute

// Service stores rendered invoice documents. A nil Service is a valid
// configuration: document storage is optional and emission must not depend on
// it.
type Service interface {
	UploadInvoiceDocument(ctx context.Context, invoiceID string, data []byte) (string, error)
	GetInvoiceDocument(ctx context.Context, invoiceID string) ([]byte, error)
	GetPresignedURL(ctx context.Context, invoiceID string) (string, error)
	Exists(ctx context.Context, invoiceID string) (bool, error)
}

type service struct {
	client *s3.Client
	config *config.S3Config
}

func NewService(cfg *config.Configuration) (Service, error) {
	if !cfg.S3.Enabled {
		return nil, nil
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(context.Background(),
		awsConfig.WithRegion(cfg.S3.Region),
	)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("The AWS configuration could not be loaded").
			Mark(ierr.ErrHTTPClient)
	}

	return &service{
		config: &cfg.S3,
		client: s3.NewFromConfig(awsCfg),
	}, nil
}

func (s *service) objectKey(invoiceID string) string {
	if s.config.KeyPrefix != "" {
		return fmt.Sprintf("%s/%s.pdf", s.config.KeyPrefix, invoiceID)
	}
	return fmt.Sprintf("%s.pdf", invoiceID)
}

// UploadInvoiceDocument stores the document and returns its object key
func (s *service) UploadInvoiceDocument(ctx context.Context, invoiceID string, data []byte) (string, error) {
	key := s.objectKey(invoiceID)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.config.InvoiceBucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/pdf"),
	})
	if err != nil {
		return "", ierr.WithError(err).
			WithHint("The invoice document could not be uploaded").
			WithMessagef("bucket:%s, key:%s", s.config.InvoiceBucket, key).
			Mark(ierr.ErrHTTPClient)
	}

	return key, nil
}

func (s *service) GetInvoiceDocument(ctx context.Context, invoiceID string) ([]byte, error) {
	key := s.objectKey(invoiceID)

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.InvoiceBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("The invoice document could not be fetched").
			WithMessagef("bucket:%s, key:%s", s.config.InvoiceBucket, key).
			Mark(ierr.ErrHTTPClient)
	}
	defer result.Body.Close()

	return io.ReadAll(result.Body)
}

func (s *service) GetPresignedURL(ctx context.Context, invoiceID string) (string, error) {
	key := s.objectKey(invoiceID)

	presigner := s3.NewPresignClient(s.client)
	result, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.InvoiceBucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return "", ierr.WithError(err).
			WithHint("The invoice document link could not be generated").
			WithMessagef("bucket:%s, key:%s", s.config.InvoiceBucket, key).
			Mark(ierr.ErrHTTPClient)
	}

	return result.URL, nil
}

func (s *service) Exists(ctx context.Context, invoiceID string) (bool, error) {
	key := s.objectKey(invoiceID)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.config.InvoiceBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		var nf *types.NotFound
		if errors.As(err, &nsk) || errors.As(err, &nf) {
			return false, nil
		}
		return false, ierr.WithError(err).
			WithHint("The invoice document could not be checked").
			Mark(ierr.ErrHTTPClient)
	}

	return true, nil
}
