/*
mlist - Mailing list manager.
Copyright © 2019-2024 Max Mazurov <fox.cpp@disroot.org>, mlist contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package s3 keeps held messages, scrubbed attachments and archived posts
// in an S3-compatible bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/foxcpp/mlist/framework/config"
	"github.com/foxcpp/mlist/framework/log"
	"github.com/foxcpp/mlist/framework/module"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// uploadPartSize is used for objects of unknown size, minio-go would
// allocate a buffer for the largest possible part otherwise.
const uploadPartSize = 1 << 20

type Store struct {
	Bucket string
	// Prefix is prepended to all object keys, so several sites or stores
	// can share a bucket.
	Prefix string

	log log.Logger
	cl  *minio.Client
}

func New(logger log.Logger) *Store {
	return &Store{log: logger.Sublogger("s3")}
}

// credentialsFor returns the provider for the creds directive value.
func credentialsFor(kind, accessKey, secretKey string) (*credentials.Credentials, error) {
	switch kind {
	case "file_minio":
		return credentials.NewFileMinioClient("", ""), nil
	case "file_aws":
		return credentials.NewFileAWSCredentials("", ""), nil
	case "iam":
		return credentials.NewIAM(""), nil
	case "access_key":
		if accessKey == "" || secretKey == "" {
			return nil, errors.New("access_key and secret_key are required")
		}
		return credentials.NewStaticV4(accessKey, secretKey, ""), nil
	}
	return nil, fmt.Errorf("unknown credentials type: %s", kind)
}

// Init configures the client from the block:
//
//	s3 {
//	    endpoint s3.example.org
//	    secure yes
//	    bucket mlist
//	    region us-east-1
//	    object_prefix messages/
//	    creds access_key
//	    access_key ...
//	    secret_key ...
//	}
func (s *Store) Init(cfg *config.Map) error {
	var (
		endpoint, region     string
		accessKey, secretKey string
		credsKind            string
		secure               bool
	)
	cfg.String("endpoint", false, "", &endpoint)
	cfg.Bool("secure", true, &secure)
	cfg.String("bucket", false, "", &s.Bucket)
	cfg.String("region", false, "", &region)
	cfg.String("object_prefix", false, "", &s.Prefix)
	cfg.Enum("creds", false, []string{"access_key", "file_minio", "file_aws", "iam"}, "access_key", &credsKind)
	cfg.String("access_key", false, "", &accessKey)
	cfg.String("secret_key", false, "", &secretKey)
	if err := cfg.Process(); err != nil {
		return err
	}
	if endpoint == "" || s.Bucket == "" {
		return config.NodeErr(cfg.Block, "s3: endpoint and bucket are required")
	}

	creds, err := credentialsFor(credsKind, accessKey, secretKey)
	if err != nil {
		return config.NodeErr(cfg.Block, "s3: %v", err)
	}
	s.cl, err = minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return fmt.Errorf("s3: %w", err)
	}
	return nil
}

// upload streams the written data into PutObject running in the
// background. The result of the upload is reported by Sync.
type upload struct {
	pw     *io.PipeWriter
	done   chan error
	synced bool
}

func (u *upload) Write(p []byte) (int, error) {
	return u.pw.Write(p)
}

func (u *upload) Sync() error {
	if u.synced {
		return errors.New("s3: Sync called twice")
	}
	u.synced = true
	u.pw.Close()
	return <-u.done
}

func (u *upload) Close() error {
	if !u.synced {
		u.synced = true
		u.pw.CloseWithError(errors.New("s3: upload aborted"))
		<-u.done
	}
	return nil
}

func (s *Store) Create(ctx context.Context, key string, blobSize int64) (module.Blob, error) {
	opts := minio.PutObjectOptions{ContentType: "message/rfc822"}
	if blobSize == module.UnknownBlobSize {
		opts.PartSize = uploadPartSize
	}

	pr, pw := io.Pipe()
	u := &upload{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := s.cl.PutObject(ctx, s.Bucket, s.Prefix+key, pr, blobSize, opts)
		if err != nil {
			err = fmt.Errorf("s3: put %s: %w", key, err)
			pr.CloseWithError(err)
		}
		u.done <- err
	}()
	return u, nil
}

func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.cl.GetObject(ctx, s.Bucket, s.Prefix+key, minio.GetObjectOptions{})
	if err != nil {
		return nil, notFound(err)
	}
	// GetObject does not send a request until the object is used.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, notFound(err)
	}
	return obj, nil
}

// Delete removes the objects in one batch request.
func (s *Store) Delete(ctx context.Context, keys []string) error {
	objects := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		objects <- minio.ObjectInfo{Key: s.Prefix + k}
	}
	close(objects)

	var lastErr error
	for res := range s.cl.RemoveObjects(ctx, s.Bucket, objects, minio.RemoveObjectsOptions{}) {
		if res.Err == nil || errors.Is(notFound(res.Err), module.ErrNoSuchBlob) {
			continue
		}
		s.log.Error("failed to delete object", res.Err, "key", res.ObjectName)
		lastErr = res.Err
	}
	return lastErr
}

func notFound(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" {
		return module.ErrNoSuchBlob
	}
	return err
}

var _ module.BlobStore = &Store{}
