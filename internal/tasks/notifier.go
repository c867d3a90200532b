package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

const notifyTimeout = 30 * time.Second

// ReloadNotifier tells the inference server that a model or an exact-match
// index changed. Notifications are best effort: a training run never fails
// because a replica was unreachable, the replica simply serves the old
// version until the next reload.
type ReloadNotifier struct {
	client     *resty.Client
	adminToken string
}

func NewReloadNotifier(serverURL, adminToken string) *ReloadNotifier {
	return &ReloadNotifier{
		client:     resty.New().SetBaseURL(serverURL),
		adminToken: adminToken,
	}
}

func (n *ReloadNotifier) NotifyModelReload(ctx context.Context, tag, language string) {
	n.post(ctx, "/admin/reload/@"+tag+"/"+language)
}

func (n *ReloadNotifier) NotifyExactReload(ctx context.Context, tag, language string) {
	n.post(ctx, "/admin/reload/exact/@"+tag+"/"+language)
}

func (n *ReloadNotifier) post(ctx context.Context, path string) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	res, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetQueryParam("admin_token", n.adminToken).
		Post(path)

	if err != nil {
		slog.Error("error notifying serving fleet", "path", path, "error", err)
		return
	}
	if !res.IsSuccess() {
		slog.Error("serving fleet rejected reload", "path", path, "status_code", res.StatusCode(), "body", res.String())
	}
}
