package route

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"learntrack/src-server/export"
	"learntrack/src-server/model"
	"learntrack/src-server/utils"
)

func Export(muxer *http.ServeMux, as *utils.AppState, manager *export.Manager) {
	// schedule a new export job; the CSVs are generated in the background
	muxer.HandleFunc("POST /export/", AdminMiddleware(as,
		func(w http.ResponseWriter, r *http.Request) {
			var filter export.Filter
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewDecoder(r.Body).Decode(&filter); err != nil && !errors.Is(err, io.EOF) {
				writeError(w, http.StatusBadRequest, "invalid_request_body")
				return
			}

			if filter.AppSessionCode != "" {
				exists, err := as.BunDB.
					NewSelect().
					Model((*model.ApplicationSession)(nil)).
					Where("code = ?", filter.AppSessionCode).
					Exists(r.Context())
				switch {
				case err != nil:
					writeError(w, http.StatusInternalServerError, "internal")
					slog.Error("can't check application session for export", "error", err)
					return
				case !exists:
					writeError(w, http.StatusNotFound, "session_not_found")
					return
				}
			}

			jobID, err := manager.StartExport(filter)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_export_filter")
				slog.Warn("export request rejected", "error", err)
				return
			}

			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"job_id": jobID})
		}))

	// list every export artifact with its generation status
	muxer.HandleFunc("GET /export/files/", AdminMiddleware(as,
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string][]export.FileStatus{
				"files": manager.Files(),
			})
		}))

	muxer.HandleFunc("GET /export/download/{filename}", AdminMiddleware(as,
		func(w http.ResponseWriter, r *http.Request) {
			filename := r.PathValue("filename")
			file, err := manager.Open(filename)
			switch {
			case errors.Is(err, export.ErrNotReady):
				writeError(w, http.StatusConflict, "not_ready")
				return
			case errors.Is(err, export.ErrNotFound):
				writeError(w, http.StatusNotFound, "file_not_found")
				return
			case err != nil:
				writeError(w, http.StatusInternalServerError, "internal")
				slog.Error("can't open export file", "file", filename, "error", err)
				return
			}
			defer file.Close()

			w.Header().Set("Content-Type", "text/csv")
			w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
			if _, err := io.Copy(w, file); err != nil {
				slog.Warn("export download interrupted", "file", filename, "error", err)
			}
		}))

	// deletion by GET so plain admin-panel links can trigger it
	muxer.HandleFunc("GET /export/delete/{filename}", AdminMiddleware(as,
		func(w http.ResponseWriter, r *http.Request) {
			filename := r.PathValue("filename")
			err := manager.Delete(filename)
			switch {
			case errors.Is(err, export.ErrNotFound):
				writeError(w, http.StatusNotFound, "file_not_found")
				return
			case err != nil:
				writeError(w, http.StatusInternalServerError, "internal")
				slog.Error("can't delete export file", "file", filename, "error", err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}))
}
