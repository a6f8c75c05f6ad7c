package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/langchou/anprgazer/internal/metrics"
	"github.com/langchou/anprgazer/internal/models"
	"github.com/langchou/anprgazer/internal/repository"
	"github.com/langchou/anprgazer/pkg/ws"
)

const alertTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<EventNotificationAlert version="2.0" xmlns="http://www.hikvision.com/ver20/XMLSchema">
<dateTime>2025-03-14T10:22:31-05:00</dateTime>
<eventType>ANPR</eventType>
<ANPR><licensePlate>PLATE</licensePlate><vehicleInfo><speed>37</speed></vehicleInfo></ANPR>
<DeviceGPSInfo><Latitude><degree>4.6097</degree></Latitude><Longitude><degree>-74.0817</degree></Longitude></DeviceGPSInfo>
</EventNotificationAlert>`

// cameraBody 构造摄像头推送的 multipart 请求体
func cameraBody(t *testing.T, plate string, images []string, video bool) (string, []byte) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part := func(disposition, contentType string, data []byte) {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", disposition)
		h.Set("Content-Type", contentType)
		pw, err := w.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		pw.Write(data)
	}

	part(`form-data; name="anpr.xml"; filename="anpr.xml"`, "text/xml", []byte(strings.Replace(alertTemplate, "PLATE", plate, 1)))
	for _, name := range images {
		part(`form-data; name="`+name+`"; filename="`+name+`"`, "image/jpeg", []byte{0xff, 0xd8, 0xff})
	}
	if video {
		part(`form-data; name="video"; filename="clip.mp4"`, "video/mp4", []byte("mp4"))
	}
	w.Close()
	return w.FormDataContentType(), buf.Bytes()
}

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
}

func (u *fakeUploader) Upload(_ context.Context, key string, _ []byte, _ string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.keys = append(u.keys, key)
	return nil
}

type ingestFixture struct {
	dir      string
	store    *repository.EventStore
	hub      *fakeHub
	uploader *fakeUploader
	svc      *IngestService
	fallback string
}

func newIngestFixture(t *testing.T, notifier *Notifier) *ingestFixture {
	t.Helper()
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)
	f := &ingestFixture{
		dir:      dir,
		store:    repository.NewEventStore(filepath.Join(dir, "eventos_consolidados.json")),
		hub:      &fakeHub{},
		uploader: &fakeUploader{},
		fallback: filepath.Join(dir, "error_evento.raw"),
	}
	assets := NewAssetSink(filepath.Join(dir, "xmls"), filepath.Join(dir, "imagenes"), filepath.Join(dir, "videos"), f.uploader, logger)
	f.svc = NewIngestService(IngestConfig{
		DeviceID:       88,
		InfractionCode: "D04",
		Comments:       "Red_Light_Running",
		LocationLabel:  "Col",
		FallbackFile:   f.fallback,
	}, f.store, assets, notifier, f.hub, metrics.New(), logger)
	return f
}

func TestHandleNotification(t *testing.T) {
	f := newIngestFixture(t, nil)
	contentType, body := cameraBody(t, "abc123", []string{"licensePlatePicture.jpg"}, false)

	event, err := f.svc.HandleNotification(context.Background(), contentType, body)
	if err != nil {
		t.Fatalf("HandleNotification() error = %v", err)
	}
	if event == nil {
		t.Fatal("expected an event")
	}

	events, _ := f.store.ReadAll()
	if len(events) != 1 {
		t.Fatalf("stored events = %d, want 1", len(events))
	}
	got := events[0]
	if got.Plate != "ABC123" || got.DeviceID != 88 || got.InfractionCode != "D04" || got.Comments != "Red_Light_Running" || got.LocationAddress != "Col" {
		t.Errorf("event = %+v", got)
	}
	if got.Speed != 37 || got.Latitude != "4.6097" || got.Date != "2025-03-14T10:22:31-05:00" {
		t.Errorf("metadata = %+v", got)
	}
	if got.VideoFilename != nil {
		t.Errorf("video_filename = %v, want nil", *got.VideoFilename)
	}
	if len(got.Evidences) != 1 || got.Evidences["licensePlatePicture.jpg"] != "/9j/" {
		t.Errorf("evidences = %v", got.Evidences)
	}

	if _, err := os.Stat(filepath.Join(f.dir, "xmls", got.EventID+".xml")); err != nil {
		t.Errorf("raw xml not saved: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "imagenes", got.EventID+"_licensePlatePicture.jpg")); err != nil {
		t.Errorf("image not saved: %v", err)
	}
	if len(f.uploader.keys) != 2 {
		t.Errorf("mirrored = %v", f.uploader.keys)
	}
	if types := f.hub.Types(); len(types) != 1 || types[0] != ws.MsgTypeEventReceived {
		t.Errorf("broadcasts = %v", types)
	}
}

func TestHandleNotificationWithVideo(t *testing.T) {
	f := newIngestFixture(t, nil)
	contentType, body := cameraBody(t, "XYZ999", []string{"a.jpg", "b.jpg"}, true)

	event, err := f.svc.HandleNotification(context.Background(), contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	if event.VideoFilename == nil || *event.VideoFilename != event.EventID+".mp4" {
		t.Errorf("video_filename = %v", event.VideoFilename)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "videos", event.EventID+".mp4")); err != nil {
		t.Errorf("video not saved: %v", err)
	}
	if len(event.Evidences) != 2 {
		t.Errorf("evidences = %d", len(event.Evidences))
	}
}

func TestHandleNotificationUnknownPlate(t *testing.T) {
	f := newIngestFixture(t, nil)
	f.store.Append(models.Event{EventID: "existing", Plate: "AAA111"})

	for _, plate := range []string{"unknown", "UNKNOWN"} {
		contentType, body := cameraBody(t, plate, []string{"a.jpg"}, false)
		event, err := f.svc.HandleNotification(context.Background(), contentType, body)
		if err != nil || event != nil {
			t.Errorf("plate %q: event=%v err=%v", plate, event, err)
		}
	}

	events, _ := f.store.ReadAll()
	if len(events) != 1 {
		t.Errorf("store size = %d, want 1", len(events))
	}
}

func TestHandleNotificationFallback(t *testing.T) {
	f := newIngestFixture(t, nil)
	body := []byte("--x\r\nbroken")

	event, err := f.svc.HandleNotification(context.Background(), "multipart/form-data; boundary=x", body)
	if err == nil || event != nil {
		t.Fatalf("expected decode error, got event=%v err=%v", event, err)
	}
	saved, err := os.ReadFile(f.fallback)
	if err != nil {
		t.Fatalf("fallback not written: %v", err)
	}
	if !bytes.Equal(saved, body) {
		t.Errorf("fallback = %q", saved)
	}
}

func TestHandleNotificationNoMetadata(t *testing.T) {
	f := newIngestFixture(t, nil)
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	pw, _ := w.CreateFormFile("a.jpg", "a.jpg")
	pw.Write([]byte{1})
	w.Close()

	event, err := f.svc.HandleNotification(context.Background(), w.FormDataContentType(), buf.Bytes())
	if err != nil || event != nil {
		t.Errorf("event=%v err=%v", event, err)
	}
	if _, err := os.Stat(f.fallback); !errors.Is(err, os.ErrNotExist) {
		t.Error("missing metadata should not be saved as fallback")
	}
}

func TestHandleNotificationStoreFailure(t *testing.T) {
	f := newIngestFixture(t, nil)
	os.WriteFile(f.store.Path(), []byte("not json"), 0644)

	contentType, body := cameraBody(t, "ABC123", nil, false)
	if _, err := f.svc.HandleNotification(context.Background(), contentType, body); !errors.Is(err, repository.ErrStoreCorrupt) {
		t.Errorf("error = %v, want ErrStoreCorrupt", err)
	}
	if _, err := os.Stat(f.fallback); err != nil {
		t.Errorf("fallback not written: %v", err)
	}
}

func TestHandleNotificationNotifies(t *testing.T) {
	received := make(chan models.Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e models.Event
		json.NewDecoder(r.Body).Decode(&e)
		received <- e
	}))
	defer srv.Close()

	f := newIngestFixture(t, NewNotifier(srv.URL, time.Second))
	contentType, body := cameraBody(t, "ABC123", nil, false)
	if _, err := f.svc.HandleNotification(context.Background(), contentType, body); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-received:
		if e.Plate != "ABC123" {
			t.Errorf("notified plate = %s", e.Plate)
		}
	default:
		t.Error("downstream not notified")
	}
}

func TestNotifierFailureDoesNotBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, time.Second)
	if err := n.Notify(context.Background(), &models.Event{}); err == nil {
		t.Error("expected error for 502")
	}
	if NewNotifier("", time.Second) != nil {
		t.Error("empty url should disable the notifier")
	}

	f := newIngestFixture(t, n)
	contentType, body := cameraBody(t, "ABC123", nil, false)
	if _, err := f.svc.HandleNotification(context.Background(), contentType, body); err != nil {
		t.Errorf("notify failure must not fail ingest: %v", err)
	}
}

func TestAppendEvent(t *testing.T) {
	f := newIngestFixture(t, nil)
	ctx := context.Background()

	event, err := f.svc.AppendEvent(ctx, models.Event{Plate: " qwe456 ", DeviceID: 3})
	if err != nil {
		t.Fatal(err)
	}
	if event.EventID == "" || event.Plate != "QWE456" || event.Evidences == nil {
		t.Errorf("event = %+v", event)
	}

	if e, err := f.svc.AppendEvent(ctx, models.Event{Plate: "Unknown"}); e != nil || err != nil {
		t.Errorf("unknown plate: %v %v", e, err)
	}
	if _, err := f.svc.AppendEvent(ctx, models.Event{Plate: "  "}); err == nil {
		t.Error("empty plate should fail")
	}

	data, _ := io.ReadAll(bytes.NewReader(mustRead(t, f.store.Path())))
	if !strings.Contains(string(data), "QWE456") {
		t.Error("event not persisted")
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
