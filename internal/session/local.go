package session

import (
	"context"

	contractsapi "commandcenter/contracts/api"
	"commandcenter/internal/jmap"
	"commandcenter/internal/model"
	"commandcenter/internal/service/archive"
	"commandcenter/internal/service/spam"
)

// Blocker 拉黑发件人
type Blocker interface {
	Block(ctx context.Context, kind model.SpamKind, fromEmail string) (*spam.BlockResult, error)
}

// ItemDeleter 删除单封邮件
type ItemDeleter interface {
	DeleteItem(ctx context.Context, id string) error
}

// Downloader 从服务商下载附件
type Downloader interface {
	Download(ctx context.Context, blobID, name, contentType string) (*jmap.Blob, error)
}

// LocalBackend 在进程内直接调用各服务，不经过 HTTP
type LocalBackend struct {
	Pipeline   Pipeline
	Spam       Blocker
	Items      ItemDeleter
	Downloader Downloader
}

func (b *LocalBackend) SaveAndArchive(ctx context.Context, req contractsapi.SaveAndArchiveRequest) (*contractsapi.SaveAndArchiveResponse, error) {
	res, err := b.Pipeline.SaveAndArchive(ctx, archive.Request{
		Thread:     req.ThreadData,
		Contacts:   req.ContactsData,
		KeepStatus: req.KeepStatus,
	})
	if err != nil {
		return nil, err
	}
	return res.Response(), nil
}

func (b *LocalBackend) BlockSender(ctx context.Context, kind model.SpamKind, fromEmail string) (*contractsapi.BlockResponse, error) {
	res, err := b.Spam.Block(ctx, kind, fromEmail)
	if err != nil {
		return nil, err
	}
	return &contractsapi.BlockResponse{
		Success:    true,
		Message:    res.Message,
		Counter:    res.Counter,
		DeletedIDs: res.DeletedIDs,
	}, nil
}

func (b *LocalBackend) DeleteItem(ctx context.Context, id string) error {
	return b.Items.DeleteItem(ctx, id)
}

func (b *LocalBackend) DownloadAttachment(ctx context.Context, blobID, name, contentType string) (*jmap.Blob, error) {
	return b.Downloader.Download(ctx, blobID, name, contentType)
}
