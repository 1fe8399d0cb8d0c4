// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig locates the offsite bucket.
type GCSConfig struct {
	// Bucket is the GCS bucket name.
	Bucket string

	// CredentialsFile is a service account key path. Empty uses
	// application default credentials.
	CredentialsFile string
}

// GCSUploader ships snapshots to Google Cloud Storage as tar.gz
// objects under backups/.
type GCSUploader struct {
	client *storage.Client
	bucket string
	log    *slog.Logger
}

// NewGCSUploader connects a storage client. The bucket is not probed
// here; a bad name fails on first upload.
func NewGCSUploader(ctx context.Context, cfg GCSConfig, log *slog.Logger) (*GCSUploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs uploader: bucket name required")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("gcs uploader: credentials file: %w", err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs uploader: %w", err)
	}
	return &GCSUploader{client: client, bucket: cfg.Bucket, log: log}, nil
}

// Close releases the storage client.
func (u *GCSUploader) Close() error {
	return u.client.Close()
}

// Upload streams backupPath as backups/{name}.tar.gz into the bucket.
// The object is written through a single writer, so an interrupted
// upload leaves no partial object behind.
func (u *GCSUploader) Upload(ctx context.Context, backupPath, name string) error {
	obj := u.client.Bucket(u.bucket).Object("backups/" + name + ".tar.gz")
	w := obj.NewWriter(ctx)
	w.ContentType = "application/gzip"
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if err := writeTarGz(w, backupPath, name); err != nil {
		w.Close()
		return fmt.Errorf("gcs upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs upload %s: close: %w", name, err)
	}
	u.log.Info("offsite object written", "bucket", u.bucket, "object", obj.ObjectName())
	return nil
}

// writeTarGz streams dir into w as a gzipped tarball with every entry
// prefixed by prefix/.
func writeTarGz(w io.Writer, dir, prefix string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:    filepath.ToSlash(filepath.Join(prefix, rel)),
			Mode:    int64(fi.Mode().Perm()),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, cerr := io.Copy(tw, f)
		f.Close()
		return cerr
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
