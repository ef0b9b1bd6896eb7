// Package chattest runs an in-memory chat server speaking the room protocol:
// room listing and creation, websocket joins with history replay, presence
// broadcasts and a cookie based login. Tests use it to drive real sessions
// over real sockets, and can force graceful or abrupt disconnects.
package chattest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"time"

	"github.com/codefionn/roomchat/internal/consts"
	"github.com/codefionn/roomchat/internal/logger"
	"github.com/codefionn/roomchat/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const (
	sessionCookie = "roomchat_session"
	sendBuffer    = 64
	pingPeriod    = 30 * time.Second
)

// Entry is one stored chat line as it goes over the wire
type Entry struct {
	Content   string `json:"content"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Room is the public shape of a room
type Room struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client is the public shape of a connected client
type Client struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// User is an account accepted by /login
type User struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"-"`
}

type room struct {
	Room
	history []Entry
	clients []*conn
}

type outbound struct {
	data   []byte
	close  bool
	code   int
	reason string
}

type conn struct {
	ws       *websocket.Conn
	id       string
	username string
	roomID   string
	send     chan outbound
	done     chan struct{}
	once     sync.Once
}

func (c *conn) stop() {
	c.once.Do(func() { close(c.send) })
}

// Server is the in-memory chat server
type Server struct {
	srv      *httptest.Server
	router   *httprouter.Router
	upgrader websocket.Upgrader
	log      *logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	rooms    map[string]*room
	order    []string
	users    map[string]User
	sessions map[string]int64
	wg       sync.WaitGroup
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the server logger
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock replaces the timestamp source for chat entries
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer starts a server on a loopback port
func NewServer(opts ...Option) *Server {
	s := &Server{
		router: httprouter.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  consts.BufferSize1KB,
			WriteBufferSize: consts.BufferSize1KB,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:      logger.Nop(),
		now:      time.Now,
		rooms:    make(map[string]*room),
		users:    make(map[string]User),
		sessions: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithPrefix("chattest")

	s.setupRoutes()
	s.srv = httptest.NewServer(s.router)
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/ws/rooms", s.handleRooms)
	s.router.POST("/ws/create-room", s.handleCreateRoom)
	s.router.GET("/ws/clients/:roomId", s.handleClients)
	s.router.GET("/ws/join/:roomId", s.handleJoin)

	s.router.POST("/login", s.handleLogin)
	s.router.GET("/validate", s.handleValidate)
	s.router.POST("/logout", s.handleLogout)
}

// URL is the http base URL of the server
func (s *Server) URL() string {
	return s.srv.URL
}

// Close disconnects every client and stops the server
func (s *Server) Close() {
	s.mu.Lock()
	for _, r := range s.rooms {
		for _, c := range r.clients {
			c.stop()
		}
		r.clients = nil
	}
	s.mu.Unlock()

	s.srv.CloseClientConnections()
	s.srv.Close()
	s.wg.Wait()
}

// CreateRoom adds a room. An existing room is left as is.
func (s *Server) CreateRoom(id, name string) Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createRoomLocked(id, name)
}

func (s *Server) createRoomLocked(id, name string) Room {
	if r, ok := s.rooms[id]; ok {
		return r.Room
	}
	r := &room{Room: Room{ID: id, Name: name}}
	s.rooms[id] = r
	s.order = append(s.order, id)
	s.log.Info("created room %s (%s)", id, name)
	return r.Room
}

// Seed appends entries to a room's history
func (s *Server) Seed(roomID string, entries ...Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		r.history = append(r.history, entries...)
	}
}

// History returns a copy of a room's history
func (s *Server) History(roomID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return slices.Clone(r.history)
	}
	return nil
}

// AddUser registers an account for /login
func (s *Server) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Email] = u
}

// Clients lists the clients connected to a room in join order
func (s *Server) Clients(roomID string) []Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return []Client{}
	}
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, Client{ID: c.id, Username: c.username})
	}
	return out
}

// Broadcast sends a raw frame to every client in a room
func (s *Server) Broadcast(roomID string, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastLocked(roomID, frame)
}

// CloseRoom sends a close frame with code and reason to every client of a room
func (s *Server) CloseRoom(roomID string, code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return
	}
	for _, c := range slices.Clone(r.clients) {
		s.enqueueLocked(r, c, outbound{close: true, code: code, reason: reason})
	}
}

// DropAll cuts every websocket connection without a close handshake
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rooms {
		for _, c := range r.clients {
			_ = c.ws.NetConn().Close()
		}
	}
}

func (s *Server) broadcastLocked(roomID string, frame []byte) {
	r, ok := s.rooms[roomID]
	if !ok {
		s.log.Warn("broadcast to unknown room %s", roomID)
		return
	}
	for _, c := range slices.Clone(r.clients) {
		s.enqueueLocked(r, c, outbound{data: frame})
	}
}

// enqueueLocked queues a frame for c, dropping the client when its buffer is full
func (s *Server) enqueueLocked(r *room, c *conn, msg outbound) {
	select {
	case c.send <- msg:
	default:
		s.log.Warn("client %s buffer full, removing from room %s", c.username, r.ID)
		s.removeLocked(r, c)
	}
}

func (s *Server) removeLocked(r *room, c *conn) bool {
	i := slices.Index(r.clients, c)
	if i < 0 {
		return false
	}
	r.clients = slices.Delete(r.clients, i, i+1)
	c.stop()
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	rooms := make([]Room, 0, len(s.order))
	for _, id := range s.order {
		rooms = append(rooms, s.rooms[id].Room)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req Room
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		writeMessage(w, http.StatusBadRequest, "room id is required")
		return
	}
	writeJSON(w, http.StatusOK, s.CreateRoom(req.ID, req.Name))
}

func (s *Server) handleClients(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	writeJSON(w, http.StatusOK, s.Clients(ps.ByName("roomId")))
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("roomId")
	query := r.URL.Query()
	userID, username := query.Get("userId"), query.Get("username")
	if userID == "" || username == "" {
		http.Error(w, "userId and username are required query parameters", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	rm, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		s.log.Info("join to missing room %s", roomID)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Room does not exist")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(consts.WriteTimeout))
		_ = ws.Close()
		return
	}

	c := &conn{
		ws:       ws,
		id:       userID,
		username: username,
		roomID:   roomID,
		send:     make(chan outbound, sendBuffer),
		done:     make(chan struct{}),
	}
	history, _ := json.Marshal(map[string]any{
		"type":     protocol.TypeHistory,
		"messages": nonNil(rm.history),
	})
	c.send <- outbound{data: history}
	rm.clients = append(rm.clients, c)
	joined, _ := json.Marshal(map[string]string{"type": protocol.TypeUserJoined, "username": username})
	s.broadcastLocked(roomID, joined)
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Info("%s joined room %s", username, roomID)
	go s.writePump(c)
	s.readPump(c)
}

func nonNil(entries []Entry) []Entry {
	if entries == nil {
		return []Entry{}
	}
	return entries
}

// readPump turns every inbound text frame into a chat broadcast
func (s *Server) readPump(c *conn) {
	defer s.wg.Done()
	defer close(c.done)
	defer s.leave(c)

	c.ws.SetReadLimit(consts.MaxFrameSize)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read from %s: %v", c.username, err)
			}
			return
		}

		entry := Entry{
			Content:   string(data),
			Username:  c.username,
			Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		}
		frame, _ := json.Marshal(entry)

		s.mu.Lock()
		if rm, ok := s.rooms[c.roomID]; ok {
			rm.history = append(rm.history, entry)
		}
		s.broadcastLocked(c.roomID, frame)
		s.mu.Unlock()
	}
}

func (s *Server) leave(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[c.roomID]
	if !ok || !s.removeLocked(rm, c) {
		return
	}
	s.log.Info("%s left room %s", c.username, c.roomID)
	left, _ := json.Marshal(map[string]string{"type": protocol.TypeUserLeft, "username": c.username})
	s.broadcastLocked(c.roomID, left)
}

func (s *Server) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			deadline := time.Now().Add(consts.WriteTimeout)
			if !ok {
				_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				return
			}
			if msg.close {
				_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(msg.code, msg.reason), deadline)
				select {
				case <-c.done:
				case <-time.After(consts.CloseGracePeriod):
				}
				return
			}
			_ = c.ws.SetWriteDeadline(deadline)
			if err := c.ws.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				s.log.Debug("write to %s: %v", c.username, err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(consts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "Failed to read body")
		return
	}

	s.mu.Lock()
	u, ok := s.users[body.Email]
	if !ok || u.Password != body.Password {
		s.mu.Unlock()
		writeMessage(w, http.StatusBadRequest, "Invalid email or password")
		return
	}
	token := uuid.NewString()
	s.sessions[token] = u.ID
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: token, Path: "/", HttpOnly: true})
	writeMessage(w, http.StatusAccepted, "Login successful")
}

func (s *Server) sessionUser(r *http.Request) (User, bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return User{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sessions[cookie.Value]
	if !ok {
		return User{}, false
	}
	for _, u := range s.users {
		if u.ID == id {
			return u, true
		}
	}
	return User{}, false
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	u, ok := s.sessionUser(r)
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		s.mu.Lock()
		delete(s.sessions, cookie.Value)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	writeMessage(w, http.StatusOK, "Logged out")
}
