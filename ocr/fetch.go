// Copyright 2026 Credence
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ocr

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/api/option"
)

// maxDocumentBytes bounds fetched documents (64 MiB).
const maxDocumentBytes = 64 << 20

// Fetcher resolves an input_ref into document bytes. Supported schemes:
// s3://bucket/key, az://container/blob, gs://bucket/object, http(s)://.
// Cloud clients are created lazily on first use of their scheme.
type Fetcher struct {
	httpClient *http.Client

	s3Once   sync.Once
	s3Client *s3.Client
	s3Err    error

	azOnce   sync.Once
	azClient *azblob.Client
	azErr    error

	gsOnce   sync.Once
	gsClient *gcs.Client
	gsErr    error
}

// NewFetcher builds a fetcher with a 30-second HTTP timeout.
func NewFetcher() *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch downloads the referenced document.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "s3://"):
		return f.fetchS3(ctx, ref)
	case strings.HasPrefix(ref, "az://"):
		return f.fetchAzure(ctx, ref)
	case strings.HasPrefix(ref, "gs://"):
		return f.fetchGCS(ctx, ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return f.fetchHTTP(ctx, ref)
	default:
		return nil, fmt.Errorf("%w: unsupported input_ref scheme in %q", ErrInvalidInput, ref)
	}
}

// splitRef takes "scheme://container/path" apart.
func splitRef(ref, scheme string) (string, string, error) {
	rest := strings.TrimPrefix(ref, scheme)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: malformed reference %q, want %sbucket/key", ErrInvalidInput, ref, scheme)
	}
	return parts[0], parts[1], nil
}

func (f *Fetcher) fetchS3(ctx context.Context, ref string) ([]byte, error) {
	bucket, key, err := splitRef(ref, "s3://")
	if err != nil {
		return nil, err
	}

	f.s3Once.Do(func() {
		optFns := []func(*awsconfig.LoadOptions) error{}
		// Explicit keys (MinIO and friends) beat the default chain.
		if accessKeyID := os.Getenv("S3_ACCESS_KEY_ID"); accessKeyID != "" {
			creds := credentials.NewStaticCredentialsProvider(
				accessKeyID, os.Getenv("S3_SECRET_ACCESS_KEY"), os.Getenv("S3_SESSION_TOKEN"))
			optFns = append(optFns, awsconfig.WithCredentialsProvider(creds))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), optFns...)
		if err != nil {
			f.s3Err = fmt.Errorf("failed to load AWS config: %w", err)
			return
		}
		f.s3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if endpoint := os.Getenv("S3_ENDPOINT"); endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		})
	})
	if f.s3Err != nil {
		return nil, f.s3Err
	}

	output, err := f.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch s3://%s/%s: %w", bucket, key, err)
	}
	defer output.Body.Close()
	return readBounded(output.Body)
}

func (f *Fetcher) fetchAzure(ctx context.Context, ref string) ([]byte, error) {
	container, blobName, err := splitRef(ref, "az://")
	if err != nil {
		return nil, err
	}

	f.azOnce.Do(func() {
		if connectionString := os.Getenv("AZURE_STORAGE_CONNECTION_STRING"); connectionString != "" {
			f.azClient, f.azErr = azblob.NewClientFromConnectionString(connectionString, nil)
			return
		}
		account := os.Getenv("AZURE_STORAGE_ACCOUNT")
		if account == "" {
			f.azErr = fmt.Errorf("AZURE_STORAGE_CONNECTION_STRING or AZURE_STORAGE_ACCOUNT must be set")
			return
		}
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			f.azErr = fmt.Errorf("failed to create Azure credential: %w", err)
			return
		}
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", account)
		f.azClient, f.azErr = azblob.NewClient(serviceURL, cred, nil)
	})
	if f.azErr != nil {
		return nil, fmt.Errorf("azure client unavailable: %w", f.azErr)
	}

	blobClient := f.azClient.ServiceClient().NewContainerClient(container).NewBlobClient(blobName)
	downloadResponse, err := blobClient.DownloadStream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch az://%s/%s: %w", container, blobName, err)
	}
	defer downloadResponse.Body.Close()
	return readBounded(downloadResponse.Body)
}

func (f *Fetcher) fetchGCS(ctx context.Context, ref string) ([]byte, error) {
	bucket, object, err := splitRef(ref, "gs://")
	if err != nil {
		return nil, err
	}

	f.gsOnce.Do(func() {
		var opts []option.ClientOption
		if credJSON := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"); credJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
		}
		if endpoint := os.Getenv("GCS_ENDPOINT"); endpoint != "" {
			opts = append(opts, option.WithEndpoint(endpoint))
		}
		f.gsClient, f.gsErr = gcs.NewClient(context.Background(), opts...)
	})
	if f.gsErr != nil {
		return nil, fmt.Errorf("gcs client unavailable: %w", f.gsErr)
	}

	reader, err := f.gsClient.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gs://%s/%s: %w", bucket, object, err)
	}
	defer reader.Close()
	return readBounded(reader)
}

func (f *Fetcher) fetchHTTP(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: bad url %q: %v", ErrInvalidInput, ref, err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: status %d", ref, resp.StatusCode)
	}
	return readBounded(resp.Body)
}

func readBounded(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	if len(data) > maxDocumentBytes {
		return nil, fmt.Errorf("%w: document exceeds %d bytes", ErrInvalidInput, maxDocumentBytes)
	}
	return data, nil
}
