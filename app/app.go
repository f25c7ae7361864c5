package chatter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/putto11262002/chatter-mobile/core"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// Observer receives everything the host UI renders.
type Observer interface {
	core.RoomObserver
	ContactsChanged(contacts []core.Contact)
	// LoggedOut is called when the server rejects the session; the host
	// should send the user back to the login screen.
	LoggedOut(err error)
}

type NopObserver struct {
	core.NopRoomObserver
}

func (NopObserver) ContactsChanged([]core.Contact) {}
func (NopObserver) LoggedOut(error)                {}

// App wires the client core together: the cache, the REST client, the socket,
// the contact list and the open room sessions.
type App struct {
	config   *Config
	context  context.Context
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *core.Metrics
	norm     *core.TimestampNormalizer

	db       *core.SQLiteDB
	cache    *core.SQLiteCache
	api      *core.APIClient
	events   *core.EventRouter
	socket   *core.Manager
	presence *core.PresenceTracker

	peers    core.PeerFactory
	media    core.MediaProvider
	observer Observer
	logOut   io.Writer

	mu       sync.Mutex
	sessions map[string]*core.RoomSession
	active   string

	cleanupFuncs []func(context.Context)
}

type AppOption func(*App)

func WithPeerFactory(p core.PeerFactory) AppOption {
	return func(app *App) {
		app.peers = p
	}
}

func WithMediaProvider(m core.MediaProvider) AppOption {
	return func(app *App) {
		app.media = m
	}
}

func WithObserver(o Observer) AppOption {
	return func(app *App) {
		app.observer = o
	}
}

// WithLogOutput sets where the logs are written. The default is stderr.
func WithLogOutput(w io.Writer) AppOption {
	return func(app *App) {
		app.logOut = w
	}
}

func New(ctx context.Context, config *Config, opts ...AppOption) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%s", FormatValidationErrors(err))
	}
	app := &App{
		config:   config,
		context:  ctx,
		observer: NopObserver{},
		logOut:   os.Stderr,
		sessions: make(map[string]*core.RoomSession),
	}
	for _, opt := range opts {
		opt(app)
	}

	app.logger = newLogger(app.logOut, config.LogLevel).With(slog.String("user", config.Username))
	app.registry = prometheus.NewRegistry()
	app.metrics = core.NewMetrics(app.registry)
	app.norm = core.NewTimestampNormalizer(app.logger, app.metrics)

	var err error
	app.db, err = core.NewSQLiteDB(config.Cache.File, &core.SQLiteDBOption{
		Mode:        "rwc",
		JournalMode: "WAL",
	})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	app.AddCleanupFunc(func(context.Context) {
		app.db.Close()
	})
	if err := app.db.Migrate(); err != nil {
		app.db.Close()
		return nil, fmt.Errorf("migrate cache: %w", err)
	}
	app.cache = core.NewSQLiteCache(app.db.DB)

	app.api, err = core.NewAPIClient(config.Server.API, app.norm, app.logger.With(slog.String("component", "api")),
		core.WithToken(func() string { return app.config.Token }),
		core.WithHTTPClient(newHTTPClient(10*time.Second)))
	if err != nil {
		app.db.Close()
		return nil, err
	}

	app.presence = core.NewPresenceTracker(config.Username, app.cache, app.logger)
	app.presence.OnChange(func(contacts []core.Contact) { app.observer.ContactsChanged(contacts) })

	app.events = core.NewEventRouter(app.logger.With(slog.String("component", "events")))
	app.socket = core.NewManager(config.Server.Socket, app.credentials, app.events,
		core.WithDialer(newDialer(10*time.Second)),
		core.WithBackoff(config.Reconnect.Base, config.Reconnect.Max),
		core.WithLogger(app.logger.With(slog.String("component", "socket"))),
		core.WithManagerMetrics(app.metrics))
	app.registerHandlers()

	return app, nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))
}

func (app *App) credentials() core.Credentials {
	return core.Credentials{Username: app.config.Username, Token: app.config.Token}
}

func (app *App) Logger() *slog.Logger {
	return app.logger
}

func (app *App) Registry() *prometheus.Registry {
	return app.registry
}

func (app *App) Socket() *core.Manager {
	return app.socket
}

// Run keeps the client online until ctx is done or the server logs the user
// out. It restores the contact list and the last open room first.
func (app *App) Run(ctx context.Context) error {
	if err := app.presence.Load(ctx); err != nil {
		app.logger.Error(fmt.Sprintf("load contacts: %s", err))
	}
	if room, err := app.cache.LastRoom(ctx); err != nil {
		app.logger.Error(fmt.Sprintf("load last room: %s", err))
	} else if peer := core.RoomPeer(room, app.config.Username); peer != "" {
		if _, err := app.OpenRoom(ctx, peer); err != nil {
			app.logger.Error(fmt.Sprintf("restore room %s: %s", room, err))
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := app.socket.Run(ctx)
		if err != nil {
			app.observer.LoggedOut(err)
		}
		return err
	})
	g.Go(func() error {
		app.Refresh(ctx)
		return nil
	})
	if app.config.Status.Addr != "" {
		g.Go(func() error {
			return app.serveStatus(ctx)
		})
	}
	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.Close(closeCtx)
	return err
}

// Refresh seeds the contact list, the last message previews and the unread
// counters from the REST API. Failures leave the cached contacts in place.
func (app *App) Refresh(ctx context.Context) {
	users, err := app.api.Users(ctx)
	if err != nil {
		app.logger.Warn("fetch users, showing cached contacts", slog.String("error", err.Error()))
		return
	}
	app.presence.SetContacts(users)

	if latest, err := app.api.LatestMessages(ctx); err != nil {
		app.logger.Warn("fetch latest messages", slog.String("error", err.Error()))
	} else {
		app.presence.ApplyLatestMessages(latest)
	}
	if counts, err := app.api.UnreadCounts(ctx, app.config.Username); err != nil {
		app.logger.Warn("fetch unread counts", slog.String("error", err.Error()))
	} else {
		app.presence.ApplyUnreadCounts(counts)
	}
}

// Foreground reconnects at once and resyncs the room on screen.
func (app *App) Foreground() {
	app.socket.Foreground()
	if s := app.ActiveRoom(); s != nil {
		s.Resync()
	}
}

// OpenRoom opens the conversation with peer and puts it on screen.
func (app *App) OpenRoom(ctx context.Context, peer string) (*core.RoomSession, error) {
	room := core.RoomID(app.config.Username, peer)
	s, err := app.openSession(room)
	if err != nil {
		return nil, err
	}
	app.mu.Lock()
	app.active = room
	app.mu.Unlock()
	app.presence.View(room)
	if err := app.cache.SetLastRoom(ctx, room); err != nil {
		app.logger.Error(fmt.Sprintf("save last room: %s", err))
	}
	return s, nil
}

func (app *App) openSession(room string) (*core.RoomSession, error) {
	app.mu.Lock()
	defer app.mu.Unlock()
	if s, ok := app.sessions[room]; ok {
		return s, nil
	}
	cfg := core.RoomConfig{
		Self:           app.config.Username,
		Room:           room,
		SyncLimit:      app.config.Sync.Limit,
		TypingTimeout:  app.config.Typing.Timeout,
		TypingInterval: app.config.Typing.Interval,
		Call:           app.config.Call,
	}
	s, err := core.NewRoomSession(app.context, cfg, core.RoomDeps{
		Socket:   app.socket,
		API:      app.api,
		Cache:    app.cache,
		Peers:    app.peers,
		Media:    app.media,
		Observer: app.observer,
		Norm:     app.norm,
		Logger:   app.logger,
		Metrics:  app.metrics,
	})
	if err != nil {
		return nil, err
	}
	app.sessions[room] = s
	s.Open()
	app.logger.Info("room opened", slog.String("room", room), slog.String("session", s.ID))
	return s, nil
}

// CloseRoom closes the session of room and takes it off screen.
func (app *App) CloseRoom(ctx context.Context, room string) error {
	app.mu.Lock()
	s, ok := app.sessions[room]
	delete(app.sessions, room)
	wasActive := app.active == room
	if wasActive {
		app.active = ""
	}
	app.mu.Unlock()
	if !ok {
		return nil
	}
	if wasActive {
		app.presence.View("")
		if err := app.cache.SetLastRoom(ctx, ""); err != nil {
			app.logger.Error(fmt.Sprintf("clear last room: %s", err))
		}
	}
	return s.Close(ctx)
}

func (app *App) Room(room string) *core.RoomSession {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.sessions[room]
}

func (app *App) ActiveRoom() *core.RoomSession {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.sessions[app.active]
}

func (app *App) Contacts() []core.Contact {
	return app.presence.Contacts()
}

// Close closes every room session, then runs the cleanup functions.
func (app *App) Close(ctx context.Context) {
	app.mu.Lock()
	sessions := make([]*core.RoomSession, 0, len(app.sessions))
	for _, s := range app.sessions {
		sessions = append(sessions, s)
	}
	app.sessions = make(map[string]*core.RoomSession)
	app.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			app.logger.Error(fmt.Sprintf("close room %s: %s", s.Room(), err))
		}
	}
	for _, f := range app.cleanupFuncs {
		f(ctx)
	}
	app.cleanupFuncs = nil
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

var roomEvents = []string{
	core.EventReceiveChatMessage,
	core.EventMessageDelivered,
	core.EventLiveTyping,
	core.EventAudioMessage,
	core.EventFileMessage,
	core.EventReactionsUpdated,
	core.EventReceiveReaction,
	core.EventMessageDeleted,
	core.EventMessageEdited,
	core.EventSignal,
	core.EventReceiveColor,
	core.EventReceiveResetColor,
	core.EventReceiveNotification,
}

func (app *App) registerHandlers() {
	for _, t := range roomEvents {
		app.events.On(t, app.routeRoomEvent)
	}
	app.events.On(core.EventConnect, app.onConnect)
	app.events.On(core.EventDisconnect, app.onDisconnect)
	app.events.On(core.EventConnectError, func(_ context.Context, e *core.Event) error {
		app.logger.Warn("socket connect error", slog.String("error", gjson.GetBytes(e.Payload, "error").String()))
		return nil
	})
	app.events.On(core.EventUserList, func(_ context.Context, e *core.Event) error {
		app.presence.ApplyUserList(e.Payload)
		return nil
	})
	app.events.On(core.EventGlobalNotification, app.onGlobalNotification)
	app.events.On(core.EventForceLogout, func(_ context.Context, e *core.Event) error {
		reason := gjson.GetBytes(e.Payload, "reason").String()
		app.logger.Warn("forced logout", slog.String("reason", reason))
		return nil
	})
}

// roomOf finds the room an inbound event belongs to. Most room events do not
// name their room; in a one-to-one room the sender identifies it. The user's
// own echo belongs to the room that sent it, or else to the room on screen.
func (app *App) roomOf(raw []byte) string {
	if room := gjson.GetBytes(raw, "room").String(); room != "" {
		return room
	}
	if from := gjson.GetBytes(raw, "from").String(); from != "" && from != app.config.Username {
		return core.RoomID(app.config.Username, from)
	}
	app.mu.Lock()
	active := app.active
	sessions := make([]*core.RoomSession, 0, len(app.sessions))
	if s, ok := app.sessions[active]; ok {
		sessions = append(sessions, s)
	}
	rooms := make([]string, 0, len(app.sessions))
	for room := range app.sessions {
		if room != active {
			rooms = append(rooms, room)
		}
	}
	slices.Sort(rooms)
	for _, room := range rooms {
		sessions = append(sessions, app.sessions[room])
	}
	app.mu.Unlock()

	for _, s := range sessions {
		if s.AwaitsEcho(raw) {
			return s.Room()
		}
	}
	return active
}

func (app *App) routeRoomEvent(ctx context.Context, e *core.Event) error {
	room := app.roomOf(e.Payload)
	if e.Type == core.EventAudioMessage || e.Type == core.EventFileMessage {
		app.countUnread(e, room)
	}
	s := app.Room(room)
	if s == nil && e.Type == core.EventSignal && gjson.GetBytes(e.Payload, "signal.type").String() == string(core.SignalOffer) {
		// an incoming call rings even when its room is not open
		var err error
		if s, err = app.openSession(room); err != nil {
			return err
		}
	}
	if s == nil {
		app.logger.Debug("event for closed room", slog.String("type", e.Type), slog.String("room", room))
		return nil
	}
	return s.Handle(ctx, e)
}

// countUnread counts an audio or file message toward its contact's unread
// badge. The server sends a global notification for text messages only.
func (app *App) countUnread(e *core.Event, room string) {
	raw := e.Payload
	from := gjson.GetBytes(raw, "from").String()
	if from == "" {
		from = gjson.GetBytes(raw, "sender").String()
	}
	if from == "" || from == app.config.Username {
		return
	}
	preview := "[audio]"
	if e.Type == core.EventFileMessage {
		preview = "[file]"
		if name := gjson.GetBytes(raw, "file_name").String(); name != "" {
			preview = name
		}
	}
	app.presence.OnInboundMessage(room, from, preview, app.norm.PickCanonicalTimestamp(raw))
}

func (app *App) forEachSession(f func(*core.RoomSession)) {
	app.mu.Lock()
	sessions := make([]*core.RoomSession, 0, len(app.sessions))
	for _, s := range app.sessions {
		sessions = append(sessions, s)
	}
	app.mu.Unlock()
	for _, s := range sessions {
		f(s)
	}
}

func (app *App) onConnect(ctx context.Context, e *core.Event) error {
	app.forEachSession(func(s *core.RoomSession) { s.Handle(ctx, e) })
	go app.Refresh(ctx)
	return nil
}

func (app *App) onDisconnect(ctx context.Context, e *core.Event) error {
	app.presence.SetAllOffline()
	app.forEachSession(func(s *core.RoomSession) { s.Handle(ctx, e) })
	return nil
}

func (app *App) onGlobalNotification(_ context.Context, e *core.Event) error {
	raw := e.Payload
	from := gjson.GetBytes(raw, "from").String()
	if from == "" {
		return errors.New("notification without sender")
	}
	preview := gjson.GetBytes(raw, "message").String()
	if t := gjson.GetBytes(raw, "message_type").String(); t != "" && t != string(core.TextMessage) && preview == "" {
		preview = "[" + t + "]"
	}
	app.presence.OnInboundMessage(gjson.GetBytes(raw, "room").String(), from, preview, app.norm.PickCanonicalTimestamp(raw))
	return nil
}
