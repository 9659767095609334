package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"commandcenter/internal/jmap"
	"commandcenter/internal/model"
	"commandcenter/internal/session"
)

var errAborted = errors.New("aborted by user")

// printNotifier 把提示打到终端
type printNotifier struct {
	out io.Writer
}

func (n printNotifier) Notify(level session.Level, message string) {
	mark := "ok"
	switch level {
	case session.LevelError:
		mark = "!!"
	case session.LevelInfo:
		mark = "--"
	}
	fmt.Fprintf(n.out, "[%s] %s\n", mark, message)
}

type blobFetcher interface {
	DownloadAttachment(ctx context.Context, blobID, name, contentType string) (*jmap.Blob, error)
}

// promptReviewer 逐个询问附件：保存到 dir、丢弃或中止归档
type promptReviewer struct {
	in      *bufio.Reader
	out     io.Writer
	fetcher blobFetcher
	dir     string
	// acceptAll 跳过询问，全部保存
	acceptAll bool
}

func (r *promptReviewer) Review(ctx context.Context, pending []model.PendingAttachment) error {
	fmt.Fprintf(r.out, "%d attachment(s) to review before archiving\n", len(pending))
	for _, p := range pending {
		if r.acceptAll {
			if err := r.save(ctx, p); err != nil {
				return err
			}
			continue
		}
		answer, err := r.ask(p)
		if err != nil {
			return err
		}
		switch answer {
		case "s":
			if err := r.save(ctx, p); err != nil {
				return err
			}
		case "d":
			fmt.Fprintf(r.out, "  discarded %s\n", p.Name)
		default:
			return errAborted
		}
	}
	return nil
}

func (r *promptReviewer) ask(p model.PendingAttachment) (string, error) {
	for {
		fmt.Fprintf(r.out, "%s (%s, %d bytes) in %q  [s]ave/[d]iscard/[a]bort: ",
			p.Name, p.Type, p.Size, p.EmailSubject)
		line, err := r.in.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		switch answer {
		case "s", "d", "a":
			return answer, nil
		}
		if err != nil {
			// 输入结束视为中止
			return "a", nil
		}
	}
}

func (r *promptReviewer) save(ctx context.Context, p model.PendingAttachment) error {
	path, n, err := saveAttachment(ctx, r.fetcher, p.Attachment, r.dir)
	if err != nil {
		return fmt.Errorf("save %s: %w", p.Name, err)
	}
	fmt.Fprintf(r.out, "  saved %s (%d bytes)\n", path, n)
	return nil
}

// saveAttachment 下载到 dir，文件名取附件名的最后一段
func saveAttachment(ctx context.Context, fetcher blobFetcher, att model.Attachment, dir string) (string, int64, error) {
	name := filepath.Base(att.Name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = att.BlobID
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}
	path := filepath.Join(dir, name)

	blob, err := fetcher.DownloadAttachment(ctx, att.BlobID, att.Name, att.Type)
	if err != nil {
		return "", 0, err
	}
	defer blob.Body.Close()

	f, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, blob.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return path, n, err
}
