package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func endpointsObject(service string, ips ...string) *corev1.Endpoints {
	addresses := make([]corev1.EndpointAddress, len(ips))
	for i, ip := range ips {
		addresses[i] = corev1.EndpointAddress{IP: ip}
	}
	return &corev1.Endpoints{
		ObjectMeta: metav1.ObjectMeta{Name: service, Namespace: "serving"},
		Subsets: []corev1.EndpointSubset{{
			Addresses: addresses,
			Ports:     []corev1.EndpointPort{{Port: 8400}, {Port: 9999}},
		}},
	}
}

func TestEndpointsUseFirstPort(t *testing.T) {
	clientset := fake.NewSimpleClientset(endpointsObject("nlp-api", "10.0.0.1", "10.0.0.2"))
	fanout := NewReplicaFanout(clientset, "serving", "nlp-api")

	endpoints, err := fanout.Endpoints(context.Background(), false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"10.0.0.1:8400", "10.0.0.2:8400"}, endpoints)
}

func TestEndpointsSkipLocal(t *testing.T) {
	clientset := fake.NewSimpleClientset(endpointsObject("nlp-api", "10.0.0.1", "10.0.0.2"))
	fanout := NewReplicaFanout(clientset, "serving", "nlp-api")
	fanout.localIPs = map[string]struct{}{"10.0.0.1": {}}

	endpoints, err := fanout.Endpoints(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.2:8400"}, endpoints)

	all, err := fanout.Endpoints(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMiddlewarePassesReplayedRequestsThrough(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	fanout := NewReplicaFanout(clientset, "serving", "nlp-api")

	handled := 0
	handler := fanout.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handled++
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/admin/reload/@default/en", nil)
	req.Header.Set(FanoutHeader, "true")

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, 1, handled)
}

func TestMiddlewareHandlesLocallyWithNoReplicas(t *testing.T) {
	clientset := fake.NewSimpleClientset(endpointsObject("nlp-api"))
	fanout := NewReplicaFanout(clientset, "serving", "nlp-api")

	handled := 0
	handler := fanout.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handled++
		w.WriteHeader(http.StatusOK)
	}))

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/admin/reload/@default/en?admin_token=x", nil))
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, 1, handled)
}

func TestIsFanout(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	assert.False(t, IsFanout(req))
	req.Header.Set(FanoutHeader, "true")
	assert.True(t, IsFanout(req))
}
