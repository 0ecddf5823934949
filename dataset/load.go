package dataset

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// maxLineSize bounds one JSONL record (16MB); contest problems with
// embedded test data can be large.
const maxLineSize = 16 * 1024 * 1024

// Dataset is an ordered, indexable collection of records.
type Dataset struct {
	Name    string
	Family  Family
	Records []Record
	// Skipped counts lines that were not valid JSON records.
	Skipped int
}

// Len returns the number of records.
func (d *Dataset) Len() int {
	return len(d.Records)
}

// At returns the record at index i.
func (d *Dataset) At(i int) (Record, error) {
	if i < 0 || i >= len(d.Records) {
		return Record{}, fmt.Errorf("index %d out of range [0, %d)", i, len(d.Records))
	}
	return d.Records[i], nil
}

// IDs returns record identifiers in dataset order.
func (d *Dataset) IDs() []string {
	ids := make([]string, len(d.Records))
	for i, r := range d.Records {
		ids[i] = r.ID()
	}
	return ids
}

// Options configures Load.
type Options struct {
	// CredentialsFile is a service account key for gs:// paths. Empty uses
	// application default credentials.
	CredentialsFile string
	Logger          *slog.Logger
}

// Load reads a dataset from a local path or a gs://bucket/object URI.
func Load(ctx context.Context, path string, opts Options) (*Dataset, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		r   io.ReadCloser
		err error
	)
	if strings.HasPrefix(path, "gs://") {
		r, err = openObject(ctx, path, opts.CredentialsFile)
	} else {
		r, err = os.Open(path)
	}
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", path, err)
	}
	defer r.Close()

	records, skipped, err := Parse(r)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", path, err)
	}
	if skipped > 0 {
		logger.Warn("skipped malformed dataset lines", "path", path, "skipped", skipped)
	}
	logger.Info("loaded dataset", "path", path, "records", len(records))

	return &Dataset{
		Name:    path,
		Family:  FamilyOf(path),
		Records: records,
		Skipped: skipped,
	}, nil
}

// Parse decodes JSONL records from r. Blank lines are ignored and lines
// that fail to decode are counted in skipped.
func Parse(r io.Reader) (records []Record, skipped int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, err
	}
	return records, skipped, nil
}

// ParseGSURI splits gs://bucket/object into its parts.
func ParseGSURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// URI: %s", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("gs:// URI must name a bucket and an object: %s", uri)
	}
	return bucket, object, nil
}

func newStorageClient(ctx context.Context, credentialsFile string) (*storage.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at path: %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return client, nil
}

type objectReader struct {
	*storage.Reader
	client *storage.Client
}

func (o *objectReader) Close() error {
	err := o.Reader.Close()
	if cerr := o.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func openObject(ctx context.Context, uri, credentialsFile string) (io.ReadCloser, error) {
	bucket, object, err := ParseGSURI(uri)
	if err != nil {
		return nil, err
	}
	client, err := newStorageClient(ctx, credentialsFile)
	if err != nil {
		return nil, err
	}
	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", bucket, object, err)
	}
	return &objectReader{Reader: reader, client: client}, nil
}

// Upload copies a local file to a gs://bucket/object URI.
func Upload(ctx context.Context, localPath, uri, credentialsFile string) error {
	bucket, object, err := ParseGSURI(uri)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open the local file: %s: %w", localPath, err)
	}
	defer f.Close()

	client, err := newStorageClient(ctx, credentialsFile)
	if err != nil {
		return err
	}
	defer client.Close()

	w := client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/jsonl"
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to copy %s to %s: %w", localPath, uri, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", uri, err)
	}
	return nil
}
