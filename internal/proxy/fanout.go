// Package proxy propagates replica-local mutations (model reloads, learned
// sentences) to every other serving replica of the same Kubernetes service.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// FanoutHeader marks a request as a replay. Replicas handle marked requests
// locally instead of fanning them out again.
const FanoutHeader = "X-Fanout"

const broadcastTimeout = 30 * time.Second

func IsFanout(r *http.Request) bool {
	return r.Header.Get(FanoutHeader) == "true"
}

// ReplicaFanout discovers the sibling replicas of one service through the
// Kubernetes endpoints API and re-issues requests to them.
type ReplicaFanout struct {
	clientset kubernetes.Interface
	namespace string
	service   string
	client    *resty.Client
	localIPs  map[string]struct{}
}

func NewReplicaFanout(clientset kubernetes.Interface, namespace, service string) *ReplicaFanout {
	localIPs := make(map[string]struct{})
	if addrs, err := net.InterfaceAddrs(); err != nil {
		slog.Warn("error listing local addresses, fanout will include this replica", "error", err)
	} else {
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok {
				localIPs[ipNet.IP.String()] = struct{}{}
			}
		}
	}

	return &ReplicaFanout{
		clientset: clientset,
		namespace: namespace,
		service:   service,
		client:    resty.New(),
		localIPs:  localIPs,
	}
}

// Endpoints returns the "host:port" addresses currently backing the service,
// optionally without this replica's own addresses.
func (f *ReplicaFanout) Endpoints(ctx context.Context, skipLocal bool) ([]string, error) {
	list, err := f.clientset.CoreV1().Endpoints(f.namespace).List(ctx, metav1.ListOptions{
		FieldSelector: "metadata.name=" + f.service,
	})
	if err != nil {
		return nil, fmt.Errorf("error listing endpoints for service %s: %w", f.service, err)
	}

	var endpoints []string
	for _, item := range list.Items {
		for _, subset := range item.Subsets {
			if len(subset.Ports) == 0 {
				continue
			}
			port := subset.Ports[0].Port
			for _, address := range subset.Addresses {
				if skipLocal {
					if _, ok := f.localIPs[address.IP]; ok {
						continue
					}
				}
				endpoints = append(endpoints, fmt.Sprintf("%s:%d", address.IP, port))
			}
		}
	}
	return endpoints, nil
}

// Middleware replays mutating requests on every sibling replica and then
// lets the local handler run. Replayed requests pass straight through.
func (f *ReplicaFanout) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsFanout(r) {
			next.ServeHTTP(w, r)
			return
		}

		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		uri := r.URL.Path
		if r.URL.RawQuery != "" {
			uri += "?" + r.URL.RawQuery
		}
		go f.broadcast(r.Method, uri, r.Header.Get("Content-Type"), body)

		next.ServeHTTP(w, r)
	})
}

// PostForm sends a form to every sibling replica, fire and forget.
func (f *ReplicaFanout) PostForm(path string, form url.Values) {
	go f.broadcast(http.MethodPost, path, "application/x-www-form-urlencoded", []byte(form.Encode()))
}

func (f *ReplicaFanout) broadcast(method, uri, contentType string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
	defer cancel()

	endpoints, err := f.Endpoints(ctx, true)
	if err != nil {
		slog.Error("error discovering replicas for fanout", "error", err)
		return
	}

	for _, endpoint := range endpoints {
		req := f.client.R().
			SetContext(ctx).
			SetHeader(FanoutHeader, "true").
			SetBody(body)
		if contentType != "" {
			req.SetHeader("Content-Type", contentType)
		}

		res, err := req.Execute(method, "http://"+endpoint+uri)
		if err != nil {
			slog.Error("error replaying request to replica", "replica", endpoint, "uri", uri, "error", err)
			continue
		}
		if !res.IsSuccess() {
			slog.Error("replica rejected replayed request",
				"replica", endpoint, "uri", uri, "status", res.StatusCode(), "body", strings.TrimSpace(string(res.Body())))
		}
	}
}
