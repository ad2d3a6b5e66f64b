package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	qrcode "github.com/skip2/go-qrcode"

	apperrors "github.com/skypiea/relay/internal/platform/errors"
	"github.com/skypiea/relay/internal/services/relay/storage"
	"github.com/skypiea/relay/internal/services/relay/uploads"
)

const (
	qrImageSize        = 256
	maxFolderBodyBytes = 4 * 1024
)

// codeRegistry issues and resolves pairing codes for the HTTP surface.
type codeRegistry interface {
	Issue(ctx context.Context, directory string, note string) (storage.ConnectionInfo, error)
	Resolve(ctx context.Context, code string) (storage.ConnectionInfo, error)
}

type handlerDeps struct {
	relay          *Relay
	registry       codeRegistry
	uploads        *uploads.Dir
	log            *logrus.Entry
	allowedOrigins []string
}

type connectionData struct {
	Token     string `json:"token"`
	Code      string `json:"code"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Dir       string `json:"dir"`
	Note      string `json:"note"`
	CreatedAt int64  `json:"createdAt"`
}

type connectionInfoResponse struct {
	ConnectionData connectionData `json:"connectionData"`
	QRDataURL      *string        `json:"qrDataUrl"`
}

type resolveResponse struct {
	ConnectionData connectionData `json:"connectionData"`
}

type foldersResponse struct {
	Folders []string `json:"folders"`
}

type createFolderRequest struct {
	Name string `json:"name"`
}

type createFolderResponse struct {
	OK   bool   `json:"ok"`
	Name string `json:"name"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toConnectionData(info storage.ConnectionInfo) connectionData {
	return connectionData{
		Token:     info.Token,
		Code:      info.Code,
		IP:        info.Address,
		Port:      info.Port,
		Dir:       info.Directory,
		Note:      info.Note,
		CreatedAt: info.CreatedAt.UnixMilli(),
	}
}

func newHandler(deps handlerDeps) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /connection-info", deps.handleConnectionInfo)
	api.HandleFunc("GET /resolve", deps.handleResolve)
	api.HandleFunc("GET /folders", deps.handleListFolders)
	api.HandleFunc("POST /folders", deps.handleCreateFolder)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: deps.allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(api)

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deps.relay.ServeHTTP(w, r)
	})
	mux.Handle("GET /metrics", deps.relay.MetricsHandler())
	mux.Handle("/", corsHandler)
	return mux
}

func (d handlerDeps) handleConnectionInfo(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	info, err := d.registry.Issue(r.Context(), strings.TrimSpace(query.Get("dir")), strings.TrimSpace(query.Get("note")))
	if err != nil {
		d.writeError(w, err)
		return
	}
	data := toConnectionData(info)
	resp := connectionInfoResponse{ConnectionData: data}
	if qr, err := qrDataURL(data); err != nil {
		d.log.WithError(err).Warn("render qr code")
	} else {
		resp.QRDataURL = &qr
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d handlerDeps) handleResolve(w http.ResponseWriter, r *http.Request) {
	info, err := d.registry.Resolve(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{ConnectionData: toConnectionData(info)})
}

func (d handlerDeps) handleListFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := d.uploads.Folders()
	if err != nil {
		d.log.WithError(err).Warn("list upload folders")
		folders = []string{}
	}
	writeJSON(w, http.StatusOK, foldersResponse{Folders: folders})
}

func (d handlerDeps) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	body := http.MaxBytesReader(w, r.Body, maxFolderBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: uploads.ErrInvalidName.Error()})
		return
	}
	name, err := d.uploads.CreateFolder(req.Name)
	if err != nil {
		if errors.Is(err, uploads.ErrInvalidName) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		d.log.WithError(err).Error("create upload folder")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to create folder"})
		return
	}
	writeJSON(w, http.StatusOK, createFolderResponse{OK: true, Name: name})
}

func (d handlerDeps) writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		d.log.WithError(err).Error("request failed")
	}
	writeJSON(w, status, errorResponse{Error: apperrors.MessageOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// qrDataURL renders the connection payload as a PNG data URL.
func qrDataURL(data connectionData) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	png, err := qrcode.Encode(string(payload), qrcode.Medium, qrImageSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
