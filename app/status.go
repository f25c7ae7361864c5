package chatter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// statusError is an error with the HTTP status it maps to.
type statusError struct {
	Code int    `json:"code"`
	Err  string `json:"error"`
}

func (e statusError) Error() string {
	return e.Err
}

var errRoomNotOpen = statusError{Code: http.StatusNotFound, Err: "room not open"}

// handlerFunc handles a status request. On failure it writes nothing and
// returns the error to be mapped to a response.
type handlerFunc func(http.ResponseWriter, *http.Request) error

func (app *App) handle(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		app.logger.Error(err.Error(), slog.String("path", r.URL.Path))
		var se statusError
		if !errors.As(err, &se) {
			se = statusError{Code: http.StatusInternalServerError, Err: "internal server error"}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(se.Code)
		json.NewEncoder(w).Encode(se)
	}
}

func writeJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}

// StatusHandler serves the local status endpoints: metrics, the connection
// state, the contact list and the messages of open rooms.
func (app *App) StatusHandler() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", app.handle(func(w http.ResponseWriter, r *http.Request) error {
		return writeJSON(w, map[string]any{"connected": app.socket.Connected()})
	}))
	r.Get("/contacts", app.handle(func(w http.ResponseWriter, r *http.Request) error {
		return writeJSON(w, app.Contacts())
	}))
	r.Route("/rooms/{room}", func(r chi.Router) {
		r.Get("/messages", app.handle(func(w http.ResponseWriter, r *http.Request) error {
			s := app.Room(chi.URLParam(r, "room"))
			if s == nil {
				return errRoomNotOpen
			}
			return writeJSON(w, s.Messages())
		}))
		r.Get("/call", app.handle(func(w http.ResponseWriter, r *http.Request) error {
			s := app.Room(chi.URLParam(r, "room"))
			if s == nil {
				return errRoomNotOpen
			}
			return writeJSON(w, map[string]string{"state": s.CallState().String()})
		}))
	})
	return r
}

func (app *App) serveStatus(ctx context.Context) error {
	server := &http.Server{
		Addr:    app.config.Status.Addr,
		Handler: app.StatusHandler(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	app.logger.Info(fmt.Sprintf("status server listening on: %s", app.config.Status.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}
