package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/reflection"
	reflectionpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/akhenakh/embedsim/catalog"
	"github.com/akhenakh/embedsim/embedding"
	"github.com/akhenakh/embedsim/explorer"
	"github.com/akhenakh/embedsim/geotiff"
	"github.com/akhenakh/embedsim/similarity"
	"github.com/akhenakh/embedsim/utm"
)

const tileSize = 64

var testBox = utm.GeoBox{MinLng: 3.0, MinLat: 45.0, MaxLng: 3.001, MaxLat: 45.001}

func testBoxJSON() map[string]any {
	return map[string]any{
		"minLng": testBox.MinLng, "minLat": testBox.MinLat,
		"maxLng": testBox.MaxLng, "maxLat": testBox.MaxLat,
	}
}

// newTestServer serves a 640 m tile of zone 31N and returns a Server whose
// catalog holds only that tile.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	pixels := make([]byte, tileSize*tileSize*embedding.Bands)
	for i := range pixels {
		pixels[i] = byte(int8(i%199 - 99))
	}
	data, err := geotiff.EncodeTiled(geotiff.TiledImage{
		Width: tileSize, Height: tileSize,
		TileWidth: 32, TileHeight: 32,
		Bands:       embedding.Bands,
		Signed:      true,
		Compression: geotiff.DEFLATE,
		Predictor:   true,
		Pixels:      pixels,
		PixelSize:   10,
		OriginX:     499680,
		OriginY:     4982640,
		EPSG:        32631,
		BottomUp:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	tiles := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "tile.tif", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(tiles.Close)

	tile := catalog.TileRecord{
		ProjectionID: "EPSG:32631",
		Locator:      tiles.URL + "/tile.tif",
		Year:         2024,
		Projected:    catalog.ProjectedBounds{West: 499680, South: 4982640, East: 500320, North: 4983280},
		Geographic:   utm.GeoBox{MinLng: 2.996, MinLat: 44.9972, MaxLng: 3.004, MaxLat: 45.0029},
	}
	cache := catalog.NewCache(func(context.Context) ([]catalog.TileRecord, error) {
		return []catalog.TileRecord{tile}, nil
	})
	ex := explorer.New(cache, explorer.Options{})
	sessions := explorer.NewSessions(4, time.Hour, nil)
	t.Cleanup(func() {
		sessions.Close()
		ex.Close()
	})
	return &Server{explorer: ex, sessions: sessions, healthServer: health.NewServer()}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: eof", errBadRequest), http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", utm.ErrInvalidBox), http.StatusBadRequest},
		{catalog.ErrZoneCrossing, http.StatusBadRequest},
		{explorer.ErrInvalidWindow, http.StatusBadRequest},
		{embedding.ErrOutOfBounds, http.StatusBadRequest},
		{embedding.ErrMaskedPixel, http.StatusBadRequest},
		{catalog.ErrTileNotFound, http.StatusNotFound},
		{explorer.ErrSessionNotFound, http.StatusNotFound},
		{explorer.ErrNoResult, http.StatusNotFound},
		{explorer.ErrSuperseded, http.StatusConflict},
		{&geotiff.DecodeError{Op: "fetch", Err: io.ErrUnexpectedEOF}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{&geotiff.DecodeError{Op: "read window", Err: fmt.Errorf("tile 3: %w", context.DeadlineExceeded)}, http.StatusGatewayTimeout},
		{similarity.ErrWorker, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := httpStatus(tt.err); got != tt.want {
				t.Errorf("httpStatus(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestGRPCError(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{catalog.ErrZoneCrossing, codes.InvalidArgument},
		{embedding.ErrMaskedPixel, codes.InvalidArgument},
		{catalog.ErrTileNotFound, codes.NotFound},
		{explorer.ErrSessionNotFound, codes.NotFound},
		{explorer.ErrSuperseded, codes.Aborted},
		{&geotiff.DecodeError{Op: "open", Err: io.EOF}, codes.Unavailable},
		{similarity.ErrWorker, codes.Internal},
		{context.Canceled, codes.Canceled},
		{&geotiff.DecodeError{Op: "read window", Err: context.DeadlineExceeded}, codes.DeadlineExceeded},
		{fmt.Errorf("load: %w", &geotiff.DecodeError{Op: "open", Err: context.Canceled}), codes.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := status.Code(grpcError(tt.err)); got != tt.want {
				t.Errorf("code = %s, want %s", got, tt.want)
			}
		})
	}
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func TestREST(t *testing.T) {
	s := newTestServer(t)
	api := httptest.NewServer(newRESTMux(s))
	defer api.Close()

	resp, body := doJSON(t, http.MethodPost, api.URL+"/api/v1/resolve", map[string]any{"bbox": testBoxJSON()})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve: status %d: %s", resp.StatusCode, body)
	}
	var match catalog.Match
	if err := json.Unmarshal(body, &match); err != nil {
		t.Fatal(err)
	}
	if !match.FullyContained || match.Tile.ProjectionID != "EPSG:32631" {
		t.Errorf("resolve: match = %+v", match)
	}

	resp, body = doJSON(t, http.MethodPost, api.URL+"/api/v1/sessions", map[string]any{"bbox": testBoxJSON()})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d: %s", resp.StatusCode, body)
	}
	var sess sessionResponse
	if err := json.Unmarshal(body, &sess); err != nil {
		t.Fatal(err)
	}
	if sess.ID == "" || sess.Width < 1 || sess.Height < 1 || sess.Scorable != sess.Width*sess.Height {
		t.Fatalf("create: session = %+v", sess)
	}
	base := api.URL + "/api/v1/sessions/" + sess.ID

	resp, body = doJSON(t, http.MethodGet, base+"/export", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("export before score: status %d, want 404", resp.StatusCode)
	}

	lat, lon := testBox.Center()
	resp, body = doJSON(t, http.MethodPost, base+"/score", map[string]any{"lat": lat, "lon": lon, "includeScores": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("score: status %d: %s", resp.StatusCode, body)
	}
	var score scoreResponse
	if err := json.Unmarshal(body, &score); err != nil {
		t.Fatal(err)
	}
	if score.RequestID != 1 || len(score.Scores) != sess.Width*sess.Height || score.Summary.Count != sess.Scorable {
		t.Errorf("score: response = %+v", score)
	}
	if score.Summary.Max < 0.9999 {
		t.Errorf("score: max = %f, want 1", score.Summary.Max)
	}

	resp, body = doJSON(t, http.MethodPost, base+"/score", map[string]any{"lat": 50.0, "lon": lon})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("score outside: status %d, want 400", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodGet, base+"/export", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export: status %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/tiff" {
		t.Errorf("export: content type %q", ct)
	}
	g, err := geotiff.Open(bytes.NewReader(body), geotiff.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if g.Width() != sess.Width || g.Height() != sess.Height {
		t.Errorf("export: %dx%d, want %dx%d", g.Width(), g.Height(), sess.Width, sess.Height)
	}
	if nd, ok := g.NoData(); !ok || nd != "-1" {
		t.Errorf("export: nodata %q, %v", nd, ok)
	}

	resp, _ = doJSON(t, http.MethodDelete, base, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: status %d, want 204", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodDelete, base, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete: status %d, want 404", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, base+"/score", map[string]any{"lat": lat, "lon": lon})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("score deleted session: status %d, want 404", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, api.URL+"/api/v1/catalog/reload", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("reload: status %d, want 204", resp.StatusCode)
	}
}

func TestRESTBadRequests(t *testing.T) {
	s := newTestServer(t)
	api := httptest.NewServer(newRESTMux(s))
	defer api.Close()

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"unknown field", "/api/v1/resolve", map[string]any{"box": testBoxJSON()}, http.StatusBadRequest},
		{"inverted box", "/api/v1/resolve", map[string]any{"bbox": map[string]any{"minLng": 3.1, "minLat": 45, "maxLng": 3, "maxLat": 45.1}}, http.StatusBadRequest},
		{"zone crossing", "/api/v1/resolve", map[string]any{"bbox": map[string]any{"minLng": 5.9, "minLat": 45, "maxLng": 6.1, "maxLat": 45.1}}, http.StatusBadRequest},
		{"no tile", "/api/v1/sessions", map[string]any{"bbox": map[string]any{"minLng": 10, "minLat": 10, "maxLng": 10.01, "maxLat": 10.01}}, http.StatusNotFound},
		{"bad polygon", "/api/v1/sessions", map[string]any{"bbox": testBoxJSON(), "polygon": [][2]float64{{3, 45}, {3.001, 45}}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doJSON(t, http.MethodPost, api.URL+tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status %d, want %d: %s", resp.StatusCode, tt.want, body)
			}
			var e map[string]string
			if err := json.Unmarshal(body, &e); err != nil || e["error"] == "" {
				t.Errorf("error body = %s", body)
			}
		})
	}
}

func TestServiceDescriptor(t *testing.T) {
	d, err := protoregistry.GlobalFiles.FindDescriptorByName(serviceName)
	if err != nil {
		t.Fatal(err)
	}
	sd, ok := d.(protoreflect.ServiceDescriptor)
	if !ok {
		t.Fatalf("%s is a %T, not a service", serviceName, d)
	}
	if got := sd.ParentFile().Path(); got != similarityServiceDesc.Metadata {
		t.Errorf("descriptor file = %q, service metadata = %q", got, similarityServiceDesc.Metadata)
	}
	if got, want := sd.Methods().Len(), len(similarityServiceDesc.Methods); got != want {
		t.Errorf("descriptor has %d methods, service has %d", got, want)
	}

	tests := []struct {
		method, in, out string
	}{
		{"Resolve", "google.protobuf.Struct", "google.protobuf.Struct"},
		{"CreateSession", "google.protobuf.Struct", "google.protobuf.Struct"},
		{"Score", "google.protobuf.Struct", "google.protobuf.Struct"},
		{"Export", "google.protobuf.StringValue", "google.protobuf.BytesValue"},
		{"DeleteSession", "google.protobuf.StringValue", "google.protobuf.Empty"},
		{"ReloadCatalog", "google.protobuf.Empty", "google.protobuf.Empty"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			md := sd.Methods().ByName(protoreflect.Name(tt.method))
			if md == nil {
				t.Fatal("method missing from the descriptor")
			}
			if got := string(md.Input().FullName()); got != tt.in {
				t.Errorf("input = %s, want %s", got, tt.in)
			}
			if got := string(md.Output().FullName()); got != tt.out {
				t.Errorf("output = %s, want %s", got, tt.out)
			}
		})
	}
}

func TestGRPCReflection(t *testing.T) {
	s := newTestServer(t)
	lis := bufconn.Listen(1 << 20)
	srv := newGRPCServer(slog.New(slog.NewTextHandler(io.Discard, nil)), s)
	reflection.Register(srv)
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := reflectionpb.NewServerReflectionClient(conn).ServerReflectionInfo(ctx)
	if err != nil {
		t.Fatal(err)
	}
	err = stream.Send(&reflectionpb.ServerReflectionRequest{
		MessageRequest: &reflectionpb.ServerReflectionRequest_FileContainingSymbol{
			FileContainingSymbol: serviceName,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := stream.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if e := resp.GetErrorResponse(); e != nil {
		t.Fatalf("reflection error: %s", e.GetErrorMessage())
	}
	files := resp.GetFileDescriptorResponse().GetFileDescriptorProto()
	if len(files) == 0 {
		t.Fatal("no file descriptor returned")
	}
	fdp := &descriptorpb.FileDescriptorProto{}
	if err := proto.Unmarshal(files[0], fdp); err != nil {
		t.Fatal(err)
	}
	if fdp.GetName() != protoFile || len(fdp.GetService()) != 1 {
		t.Errorf("got file %q with %d services", fdp.GetName(), len(fdp.GetService()))
	}
}

func TestGRPC(t *testing.T) {
	s := newTestServer(t)
	lis := bufconn.Listen(1 << 20)
	srv := newGRPCServer(slog.New(slog.NewTextHandler(io.Discard, nil)), s)
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	ctx := context.Background()
	method := func(name string) string { return "/" + serviceName + "/" + name }

	in, err := structpb.NewStruct(map[string]any{"bbox": testBoxJSON()})
	if err != nil {
		t.Fatal(err)
	}
	created := &structpb.Struct{}
	if err := conn.Invoke(ctx, method("CreateSession"), in, created); err != nil {
		t.Fatal(err)
	}
	id := created.GetFields()["id"].GetStringValue()
	if id == "" {
		t.Fatalf("no session id in %v", created)
	}

	lat, lon := testBox.Center()
	in, _ = structpb.NewStruct(map[string]any{"session": id, "lat": lat, "lon": lon})
	scored := &structpb.Struct{}
	if err := conn.Invoke(ctx, method("Score"), in, scored); err != nil {
		t.Fatal(err)
	}
	if got := scored.GetFields()["requestId"].GetNumberValue(); got != 1 {
		t.Errorf("requestId = %v, want 1", got)
	}

	exported := &wrapperspb.BytesValue{}
	if err := conn.Invoke(ctx, method("Export"), wrapperspb.String(id), exported); err != nil {
		t.Fatal(err)
	}
	if _, err := geotiff.Open(bytes.NewReader(exported.GetValue()), geotiff.Options{}); err != nil {
		t.Errorf("exported raster: %v", err)
	}

	in, _ = structpb.NewStruct(map[string]any{"session": id, "lat": 50.0, "lon": lon})
	err = conn.Invoke(ctx, method("Score"), in, &structpb.Struct{})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("score outside: %v, want InvalidArgument", err)
	}

	if err := conn.Invoke(ctx, method("DeleteSession"), wrapperspb.String(id), &emptypb.Empty{}); err != nil {
		t.Fatal(err)
	}
	err = conn.Invoke(ctx, method("Export"), wrapperspb.String(id), &wrapperspb.BytesValue{})
	if status.Code(err) != codes.NotFound {
		t.Errorf("export deleted session: %v, want NotFound", err)
	}

	if err := conn.Invoke(ctx, method("ReloadCatalog"), &emptypb.Empty{}, &emptypb.Empty{}); err != nil {
		t.Fatal(err)
	}
}

func TestCreateLogger(t *testing.T) {
	for _, level := range []string{"debug", "INFO", "Warn", "ERROR", "bogus"} {
		if createLogger(Config{LogLevel: level}, appName) == nil {
			t.Errorf("nil logger for level %q", level)
		}
	}
}
