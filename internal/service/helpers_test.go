package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/langchou/anprgazer/internal/api/runt"
	"github.com/langchou/anprgazer/internal/metrics"
	"github.com/langchou/anprgazer/internal/repository"
)

type fakeSigner struct {
	err error
}

func (f *fakeSigner) Sign(_ context.Context, data []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return base64.StdEncoding.EncodeToString(data[:min(len(data), 8)]), nil
}

// fakeAuthority 模拟 RUNT 接口
type fakeAuthority struct {
	t   *testing.T
	srv *httptest.Server

	mu sync.Mutex
	// 调用顺序，如 generate、validate、query:ABC123
	calls []string
	// 每次调用到达的时间，与 calls 一一对应
	times []time.Time
	// 每次查询使用的密钥
	queryKeys []string

	generateStatus int
	generateBody   string
	rejectValidate bool

	issued    int
	validated map[string]bool

	// 第一次查询这些车牌时返回"未验证"
	notValidatedOnce map[string]bool
	// 这些车牌返回业务错误
	failPlates map[string]bool
	// 查询前的延迟
	queryDelay time.Duration
	// 客户端请求间隔
	pacing time.Duration
}

func newFakeAuthority(t *testing.T) *fakeAuthority {
	t.Helper()
	a := &fakeAuthority{
		t:                t,
		validated:        map[string]bool{},
		notValidatedOnce: map[string]bool{},
		failPlates:       map[string]bool{},
	}
	a.srv = httptest.NewServer(http.HandlerFunc(a.handle))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *fakeAuthority) client() *runt.Client {
	return runt.NewClient(a.srv.URL, 5*time.Second, a.pacing, "127.0.0.1")
}

func (a *fakeAuthority) record(call string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
	a.times = append(a.times, time.Now())
}

func (a *fakeAuthority) Times() []time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]time.Time(nil), a.times...)
}

func (a *fakeAuthority) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *fakeAuthority) count(prefix string) int {
	n := 0
	for _, c := range a.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (a *fakeAuthority) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if r.Header.Get(runt.HeaderUserID) == "" {
		a.t.Errorf("%s without user header", r.URL.Path)
	}

	switch r.URL.Path {
	case runt.PathGenerateKey:
		a.record("generate")
		if r.Header.Get(runt.HeaderSignature) == "" {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, "Error: falta firma")
			return
		}
		a.mu.Lock()
		status, override := a.generateStatus, a.generateBody
		a.issued++
		key := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("key-%d", a.issued)))
		a.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			io.WriteString(w, override)
			return
		}
		io.WriteString(w, key)

	case runt.PathValidateKey:
		a.record("validate")
		var req runt.ValidateRequest
		json.Unmarshal(body, &req)
		a.mu.Lock()
		reject := a.rejectValidate
		if !reject {
			a.validated[req.Key] = true
		}
		a.mu.Unlock()
		if reject {
			io.WriteString(w, "Error: llave invalida")
			return
		}
		io.WriteString(w, "OK")

	case runt.PathQueryVehicle:
		var req runt.QueryRequest
		json.Unmarshal(body, &req)
		a.record("query:" + req.Plate)

		if got, want := r.Header.Get(runt.HeaderSignature), runt.SignHMAC(req.Key, body); got != want {
			a.t.Errorf("query signature = %s, want %s", got, want)
		}
		if req.QueryType != runt.QueryTypePlate {
			a.t.Errorf("tipoConsulta = %s", req.QueryType)
		}

		a.mu.Lock()
		a.queryKeys = append(a.queryKeys, req.Key)
		delay := a.queryDelay
		notValidated := !a.validated[req.Key] || a.notValidatedOnce[req.Plate]
		delete(a.notValidatedOnce, req.Plate)
		fail := a.failPlates[req.Plate]
		a.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if notValidated {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"mensaje":"Debe validar la llave"}`)
			return
		}
		if fail {
			io.WriteString(w, `{"Error":"Placa no encontrada"}`)
			return
		}
		fmt.Fprintf(w, `{"vehiculo":{"placa":%q,"marca":"RENAULT"}}`, req.Plate)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type fakeCache struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string]json.RawMessage{}}
}

func (c *fakeCache) Get(_ context.Context, plate string) (json.RawMessage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.data[plate]
	return d, ok, nil
}

func (c *fakeCache) Set(_ context.Context, plate string, data json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[plate] = data
	return nil
}

type fakeHub struct {
	mu       sync.Mutex
	messages []string
}

func (h *fakeHub) BroadcastMessage(msgType string, _ interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msgType)
}

func (h *fakeHub) Types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

// newTestDispatcher 组装密钥管理器和调度器
func newTestDispatcher(t *testing.T, a *fakeAuthority, signer runt.Signer, vars VariableStore) (*KeyManager, *Dispatcher) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	m := metrics.New()
	if vars == nil {
		vars = repository.NewMemoryVariables(map[string]string{repository.VarCallerIdentity: "aseguradora-1"})
	}
	client := a.client()
	keys := NewKeyManager(client, signer, vars, "", m, logger)
	return keys, NewDispatcher(keys, client, nil, m, logger)
}
