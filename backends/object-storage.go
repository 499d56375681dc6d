package backends

import (
	"github.com/sloonz/ushelf/lib"

	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

var (
	osLog = logrus.WithFields(logrus.Fields{
		"backend": "object-storage",
	})
)

type objectStorageBackend struct {
	options  *ushelf.Options
	prefix   string
	bucket   string
	client   *minio.Client
	partSize uint64
}

func newObjectStorageBackend(options *ushelf.Options) (ushelf.Backend, error) {
	u, err := url.Parse(options.String["URL"])
	if err != nil {
		osLog.Warnf("cannot parse url: %v", err)
		u = &url.URL{}
	}

	endpoint := u.Host
	secure := !(u.Scheme == "http")
	accessKeyID := u.User.Username()
	secretAccessKey, _ := u.User.Password()
	bucket := u.Path
	partSize := uint64(0)

	if options.String["Secure"] != "" {
		s, err := strconv.ParseBool(options.String["Secure"])
		if err != nil {
			osLog.Warnf("cannot parse secure option: %v", err)
			secure = true
		} else {
			secure = s
		}
	}

	prefix := strings.Trim(options.String["Prefix"], "/") + "/"
	if prefix == "/" {
		prefix = ""
	}

	if options.String["Endpoint"] != "" {
		endpoint = options.String["Endpoint"]
	}

	if options.String["AccessKeyID"] != "" {
		accessKeyID = options.String["AccessKeyID"]
	}

	if options.String["SecretAccessKey"] != "" {
		secretAccessKey = options.String["SecretAccessKey"]
	}

	if options.String["Bucket"] != "" {
		bucket = options.String["Bucket"]
	}
	bucket = strings.Trim(bucket, "/")
	if bucket == "" {
		return nil, fmt.Errorf("object-storage backend: missing bucket")
	}

	if options.String["PartSize"] != "" {
		ps, err := strconv.ParseUint(options.String["PartSize"], 10, 64)
		if err != nil {
			osLog.Warnf("cannot parse PartSize option: %v", err)
		} else {
			partSize = ps * 1024 * 1024
		}
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: secure,
	})

	if err != nil {
		return nil, fmt.Errorf("failed to create object storage instance: %v", err)
	}

	return &objectStorageBackend{options: options, client: client, prefix: prefix, bucket: bucket, partSize: partSize}, nil
}

func (b *objectStorageBackend) key(kind ushelf.ObjectKind, name string) string {
	return b.prefix + string(kind) + "/" + name
}

func (b *objectStorageBackend) Upload(ctx context.Context, kind ushelf.ObjectKind, name string, data io.Reader) error {
	osLog.WithFields(logrus.Fields{"key": b.key(kind, name)}).Debug("uploading")
	// Multipart uploads only become visible once completed
	_, err := b.client.PutObject(ctx, b.bucket, b.key(kind, name), data, -1, minio.PutObjectOptions{PartSize: b.partSize})
	if err != nil {
		return classifyObjectStorageError("upload", err)
	}
	return nil
}

func (b *objectStorageBackend) Download(ctx context.Context, kind ushelf.ObjectKind, name string) (io.ReadCloser, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.key(kind, name), minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyObjectStorageError("download", err)
	}

	// GetObject is lazy, surface missing objects now
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, classifyObjectStorageError("download", err)
	}
	return obj, nil
}

func (b *objectStorageBackend) Exists(ctx context.Context, kind ushelf.ObjectKind, name string) (bool, error) {
	_, err := b.client.StatObject(ctx, b.bucket, b.key(kind, name), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, classifyObjectStorageError("exists", err)
	}
	return true, nil
}

func (b *objectStorageBackend) List(ctx context.Context, kind ushelf.ObjectKind) ([]string, error) {
	var res []string

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prefix := b.prefix + string(kind) + "/"
	objectsCh := b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	})

	for obj := range objectsCh {
		if obj.Err != nil {
			return nil, classifyObjectStorageError("list", obj.Err)
		}

		name := strings.TrimPrefix(obj.Key, prefix)
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || strings.HasSuffix(name, "/") {
			continue
		}

		res = append(res, name)
	}

	return res, nil
}

func (b *objectStorageBackend) Delete(ctx context.Context, kind ushelf.ObjectKind, name string) error {
	err := b.client.RemoveObject(ctx, b.bucket, b.key(kind, name), minio.RemoveObjectOptions{})
	if err != nil {
		return classifyObjectStorageError("delete", err)
	}
	return nil
}

func classifyObjectStorageError(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey":
		return fmt.Errorf("%s: %w: %v", op, ushelf.ErrNotFound, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NoSuchBucket", "InvalidBucketName", "QuotaExceeded":
		return ushelf.Fatal(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return ushelf.Transient(op, err)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ushelf.Fatal(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
