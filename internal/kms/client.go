// Package kms unwraps secrets that are shipped encrypted under an AWS KMS key.
package kms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// ErrEmptyCiphertext is returned when there is nothing to decrypt.
var ErrEmptyCiphertext = errors.New("kms: empty ciphertext")

// DecryptAPI is the part of the KMS client used here.
type DecryptAPI interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Client wraps the AWS KMS SDK to perform decryption operations.
type Client struct {
	api DecryptAPI
}

// New creates a KMS Client. If localStackEndpoint is non-empty, the client
// targets that endpoint with dummy credentials. Otherwise it uses the AWS
// default credential chain.
func New(ctx context.Context, region, localStackEndpoint string) (*Client, error) {
	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(region))

	if localStackEndpoint != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kms: load aws config: %w", err)
	}

	var kmsOpts []func(*kms.Options)
	if localStackEndpoint != "" {
		kmsOpts = append(kmsOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(localStackEndpoint)
		})
	}

	return NewWithAPI(kms.NewFromConfig(cfg, kmsOpts...)), nil
}

// NewWithAPI wraps an existing KMS API implementation.
func NewWithAPI(api DecryptAPI) *Client {
	return &Client{api: api}
}

// Decrypt returns the plaintext of ciphertext. The caller owns the returned
// bytes and should seal or wipe them.
func (c *Client) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, ErrEmptyCiphertext
	}
	out, err := c.api.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("kms: decrypt: %w", err)
	}
	return out.Plaintext, nil
}

// DecryptBase64 decodes a standard base64 ciphertext, as stored in
// environment variables, and decrypts it.
func (c *Client) DecryptBase64(ctx context.Context, encoded string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("kms: decode ciphertext: %w", err)
	}
	return c.Decrypt(ctx, blob)
}
