// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package report

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/thc1006/flakeguard-sub004/internal/metrics"
)

// maxEntryDepth bounds how many directories deep an archive entry may
// sit and still be parsed.
const maxEntryDepth = 10

// excludedDirs are path segments whose subtrees never hold reports.
var excludedDirs = map[string]struct{}{
	"node_modules": {},
	".git":         {},
	"__pycache__":  {},
	"coverage":     {},
}

// Stats counts per-entry outcomes of an archive walk.
type Stats struct {
	Parsed  int
	Failed  int
	Skipped int
}

// ParseArchive streams the artifact named name through the report parser
// and returns the merged result. The container is chosen by extension:
// .zip, .tar.gz, .tgz, or a bare .xml document. Entry-level parse
// failures are logged and counted, never fatal; only a container-level
// failure returns an error.
func ParseArchive(ctx context.Context, name string, r io.Reader) (*TestSuites, Stats, error) {
	all := &TestSuites{}
	var stats Stats
	switch lower := strings.ToLower(name); {
	case strings.HasSuffix(lower, ".zip"):
		err := walkZip(ctx, r, all, &stats)
		return all, stats, err
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		err := walkTarGz(ctx, r, all, &stats)
		return all, stats, err
	case strings.HasSuffix(lower, ".xml"):
		parseEntry(ctx, name, r, all, &stats)
		return all, stats, nil
	default:
		return all, stats, errors.Reason("unsupported artifact container %q", name).Err()
	}
}

// walkZip spools the stream to a temp file, as the zip directory sits at
// the end of the container and needs random access.
func walkZip(ctx context.Context, r io.Reader, all *TestSuites, stats *Stats) error {
	tmp, err := os.CreateTemp("", "flakeguard-artifact-*.zip")
	if err != nil {
		return errors.Annotate(err, "creating spool file").Err()
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	size, err := io.Copy(tmp, r)
	if err != nil {
		return errors.Annotate(err, "spooling artifact").Err()
	}
	zr, err := zip.NewReader(tmp, size)
	if err != nil {
		return errors.Annotate(err, "opening zip").Err()
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !eligibleEntry(f.Name) {
			stats.Skipped++
			continue
		}
		rc, err := f.Open()
		if err != nil {
			logging.Warningf(ctx, "Opening archive entry %q: %s", f.Name, err)
			stats.Failed++
			continue
		}
		parseEntry(ctx, f.Name, rc, all, stats)
		rc.Close()
	}
	return nil
}

func walkTarGz(ctx context.Context, r io.Reader, all *TestSuites, stats *Stats) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return errors.Annotate(err, "opening gzip stream").Err()
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Annotate(err, "reading tar stream").Err()
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if !eligibleEntry(hdr.Name) {
			stats.Skipped++
			continue
		}
		parseEntry(ctx, hdr.Name, tr, all, stats)
	}
}

// parseEntry parses one entry into all. Failures are logged and counted;
// the walk continues with the next entry.
func parseEntry(ctx context.Context, name string, r io.Reader, all *TestSuites, stats *Stats) {
	head := make([]byte, sniffLimit)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		logging.Warningf(ctx, "Reading archive entry %q: %s", name, err)
		stats.Failed++
		metrics.ParseFailures.Inc()
		return
	}
	det := DetectFormat(name, head[:n])
	doc := &TestSuites{}
	if err := ParseXML(io.MultiReader(bytes.NewReader(head[:n]), r), det.Format, doc); err != nil {
		logging.Warningf(ctx, "Parsing %q as %s: %s", name, det.Format, err)
		stats.Failed++
		metrics.ParseFailures.Inc()
		return
	}
	all.Merge(doc)
	stats.Parsed++
	metrics.SuitesParsed.Add(float64(len(doc.Suites)))
	metrics.CasesParsed.Add(float64(doc.Tests))
}

// eligibleEntry reports whether an archive entry should be parsed: an
// .xml file at most maxEntryDepth directories deep with no excluded
// directory on its path.
func eligibleEntry(name string) bool {
	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	clean = strings.TrimPrefix(clean, "/")
	clean = strings.TrimPrefix(clean, "./")
	if !strings.HasSuffix(strings.ToLower(clean), ".xml") {
		return false
	}
	segs := strings.Split(clean, "/")
	if len(segs)-1 > maxEntryDepth {
		return false
	}
	for _, seg := range segs[:len(segs)-1] {
		if _, ok := excludedDirs[seg]; ok {
			return false
		}
	}
	return true
}
