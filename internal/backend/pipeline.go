package backend

import (
	"context"

	contractsapi "commandcenter/contracts/api"
	"commandcenter/internal/service/archive"
)

// Pipeline 让同步模式也能走远端 API
type Pipeline struct {
	Client *Client
}

func (p Pipeline) SaveAndArchive(ctx context.Context, req archive.Request) (*archive.Result, error) {
	resp, err := p.Client.SaveAndArchive(ctx, contractsapi.SaveAndArchiveRequest{
		ThreadData:   req.Thread,
		ContactsData: req.Contacts,
		KeepStatus:   req.KeepStatus,
	})
	if err != nil {
		return nil, err
	}
	res := &archive.Result{
		Saved:   resp.Saved,
		Failed:  resp.Failed,
		Message: resp.Message,
	}
	if res.Message == "" {
		res.Message = resp.Error
	}
	// 远端只返回告警数量
	for i := 0; i < resp.Warnings; i++ {
		res.Errors = append(res.Errors, archive.StepError{Step: "remote", Error: "see server log"})
	}
	return res, nil
}
