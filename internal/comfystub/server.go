// Package comfystub is a fake ComfyUI server. It accepts uploads and prompts,
// replays a believable event sequence over the websocket of the submitting
// client, and serves canned output images and history records.
package comfystub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/color"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/richinsley/comfyrun/workflow"
)

// OutputFilename is the name the stub gives every generated image
const OutputFilename = "ComfyUI_00001_.png"

// Options control how the stub behaves
type Options struct {
	// OutputNode is the node that reports the generated image. Defaults to "8".
	OutputNode string
	// OutputImage is served for the generated image. Defaults to DefaultOutputImage.
	OutputImage []byte
	// UploadStatus, when non-zero, makes every upload fail with this status
	UploadStatus int
	// SkipOutput finishes the prompt without the output node reporting anything
	SkipOutput bool
	// LegacyOutputFrame reports the output node with {"type":"output","node":...}
	// instead of an "executed" event
	LegacyOutputFrame bool
	// Hold never finishes a prompt
	Hold bool
	// FailNode, when set, raises an execution error at that node
	FailNode string
}

// ReceivedPrompt is a prompt accepted by the stub
type ReceivedPrompt struct {
	PromptID string
	Number   int
	ClientID string
	Prompt   workflow.Workflow
}

type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsClient) writeJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

func (w *wsClient) writeBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

type historyEntry struct {
	Prompt  []interface{}                 `json:"prompt"`
	Outputs map[string]workflowNodeOutput `json:"outputs"`
	Status  map[string]interface{}        `json:"status"`
}

type workflowNodeOutput struct {
	Images []imageRef `json:"images"`
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Server is the fake ComfyUI backend
type Server struct {
	opts     Options
	echo     *echo.Echo
	upgrader websocket.Upgrader

	mu         sync.Mutex
	clients    map[string]*wsClient
	uploads    map[string][]byte
	prompts    []ReceivedPrompt
	interrupts []string
	history    map[string]historyEntry
	number     int
	wg         sync.WaitGroup
}

// New builds a stub server with its routes registered
func New(opts Options) *Server {
	if opts.OutputNode == "" {
		opts.OutputNode = "8"
	}
	if opts.OutputImage == nil {
		opts.OutputImage = DefaultOutputImage()
	}

	s := &Server{
		opts:    opts,
		echo:    echo.New(),
		clients: make(map[string]*wsClient),
		uploads: make(map[string][]byte),
		history: make(map[string]historyEntry),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.GET("/ws", s.handleWebSocket)
	s.echo.GET("/system_stats", s.handleSystemStats)
	s.echo.GET("/view", s.handleView)
	s.echo.GET("/history/:id", s.handleHistory)
	s.echo.POST("/upload/image", s.handleUpload)
	s.echo.POST("/prompt", s.handlePrompt)
	s.echo.POST("/interrupt", s.handleInterrupt)
	return s
}

// DefaultOutputImage renders the canned 64x64 PNG the stub serves as its output
func DefaultOutputImage() []byte {
	img := imaging.New(64, 64, color.NRGBA{R: 30, G: 60, B: 160, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Handler exposes the routes, e.g. for httptest.NewServer
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until the server fails
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Wait blocks until every replayed prompt has finished sending its events
func (s *Server) Wait() {
	s.wg.Wait()
}

// Prompts returns the prompts received so far
func (s *Server) Prompts() []ReceivedPrompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReceivedPrompt(nil), s.prompts...)
}

// Interrupts returns the prompt ids of every /interrupt call ("" when none was given)
func (s *Server) Interrupts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.interrupts...)
}

// Uploaded returns the stored bytes of an uploaded file
func (s *Server) Uploaded(filetype, subfolder, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.uploads[storageKey(filetype, subfolder, name)]
	return data, ok
}

func storageKey(filetype, subfolder, name string) string {
	if filetype == "" {
		filetype = "input"
	}
	return path.Join(filetype, subfolder, name)
}

func (s *Server) handleWebSocket(c echo.Context) error {
	clientID := c.QueryParam("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the error response
		return nil
	}
	client := &wsClient{conn: conn}

	s.mu.Lock()
	s.clients[clientID] = client
	s.mu.Unlock()

	_ = client.writeJSON(statusMessage(0, clientID))

	// drain until the client goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.mu.Lock()
	if s.clients[clientID] == client {
		delete(s.clients, clientID)
	}
	s.mu.Unlock()
	_ = conn.Close()
	return nil
}

func (s *Server) handleSystemStats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"system": map[string]interface{}{
			"os":              "posix",
			"python_version":  "3.11.9",
			"embedded_python": false,
			"comfyui_version": "stub",
		},
		"devices": []map[string]interface{}{
			{
				"name":             "cpu",
				"type":             "cpu",
				"index":            0,
				"vram_total":       0,
				"vram_free":        0,
				"torch_vram_total": 0,
				"torch_vram_free":  0,
			},
		},
	})
}

func (s *Server) handleUpload(c echo.Context) error {
	if s.opts.UploadStatus != 0 {
		return c.String(s.opts.UploadStatus, http.StatusText(s.opts.UploadStatus))
	}

	fh, err := c.FormFile("image")
	if err != nil {
		return c.String(http.StatusBadRequest, "missing image")
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	filetype := c.FormValue("type")
	if filetype == "" {
		filetype = "input"
	}
	subfolder := c.FormValue("subfolder")
	overwrite := c.FormValue("overwrite") == "true"

	s.mu.Lock()
	name := fh.Filename
	if !overwrite {
		ext := path.Ext(name)
		base := strings.TrimSuffix(name, ext)
		for i := 1; ; i++ {
			if _, exists := s.uploads[storageKey(filetype, subfolder, name)]; !exists {
				break
			}
			name = fmt.Sprintf("%s (%d)%s", base, i, ext)
		}
	}
	s.uploads[storageKey(filetype, subfolder, name)] = data
	s.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]string{
		"name":      name,
		"subfolder": subfolder,
		"type":      filetype,
	})
}

func (s *Server) handleView(c echo.Context) error {
	filename := c.QueryParam("filename")
	subfolder := c.QueryParam("subfolder")
	filetype := c.QueryParam("type")

	var data []byte
	if filetype == "output" && filename == OutputFilename && subfolder == "" {
		data = s.opts.OutputImage
	} else {
		stored, ok := s.Uploaded(filetype, subfolder, filename)
		if !ok {
			return c.NoContent(http.StatusNotFound)
		}
		data = stored
	}
	return c.Blob(http.StatusOK, http.DetectContentType(data), data)
}

func (s *Server) handleHistory(c echo.Context) error {
	id := c.Param("id")
	s.mu.Lock()
	entry, ok := s.history[id]
	s.mu.Unlock()

	if !ok {
		return c.JSON(http.StatusOK, map[string]interface{}{})
	}
	return c.JSON(http.StatusOK, map[string]historyEntry{id: entry})
}

func (s *Server) handleInterrupt(c echo.Context) error {
	var body struct {
		PromptID string `json:"prompt_id"`
	}
	_ = json.NewDecoder(c.Request().Body).Decode(&body)

	s.mu.Lock()
	s.interrupts = append(s.interrupts, body.PromptID)
	s.mu.Unlock()
	return c.NoContent(http.StatusOK)
}

func (s *Server) handlePrompt(c echo.Context) error {
	var body struct {
		Prompt   workflow.Workflow `json:"prompt"`
		ClientID string            `json:"client_id"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, promptError("invalid_prompt", "Invalid prompt", err.Error()))
	}
	if len(body.Prompt) == 0 {
		return c.JSON(http.StatusBadRequest, promptError("prompt_no_outputs", "Prompt has no outputs", ""))
	}

	s.mu.Lock()
	p := ReceivedPrompt{
		PromptID: uuid.NewString(),
		Number:   s.number,
		ClientID: body.ClientID,
		Prompt:   body.Prompt,
	}
	s.number++
	s.prompts = append(s.prompts, p)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.replay(p)
	}()

	return c.JSON(http.StatusOK, map[string]interface{}{
		"prompt_id":   p.PromptID,
		"number":      p.Number,
		"node_errors": map[string]interface{}{},
	})
}

func promptError(kind, message, details string) map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":       kind,
			"message":    message,
			"details":    details,
			"extra_info": map[string]interface{}{},
		},
		"node_errors": map[string]interface{}{},
	}
}

func statusMessage(remaining int, sid string) map[string]interface{} {
	data := map[string]interface{}{
		"status": map[string]interface{}{
			"exec_info": map[string]interface{}{"queue_remaining": remaining},
		},
	}
	if sid != "" {
		data["sid"] = sid
	}
	return map[string]interface{}{"type": "status", "data": data}
}

func event(kind string, data map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"type": kind, "data": data}
}

func classType(wf workflow.Workflow, id string) string {
	if n := wf[id]; n != nil {
		return n.ClassType
	}
	return ""
}

// waitForClient gives a websocket that is still registering a moment to appear.
// Prompts from clients without a socket still run, their events are dropped.
func (s *Server) waitForClient(clientID string) *wsClient {
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		client := s.clients[clientID]
		s.mu.Unlock()
		if client != nil || clientID == "" || time.Now().After(deadline) {
			return client
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// replay sends the event sequence ComfyUI emits while running p
func (s *Server) replay(p ReceivedPrompt) {
	client := s.waitForClient(p.ClientID)

	send := func(v interface{}) {
		if client != nil {
			_ = client.writeJSON(v)
		}
	}

	send(statusMessage(1, ""))
	send(event("execution_start", map[string]interface{}{"prompt_id": p.PromptID}))
	send(event("execution_cached", map[string]interface{}{"nodes": []string{}, "prompt_id": p.PromptID}))

	ids := make([]string, 0, len(p.Prompt))
	for id := range p.Prompt {
		if id != s.opts.OutputNode {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		send(event("executing", map[string]interface{}{"node": id, "display_node": id, "prompt_id": p.PromptID}))

		if id == s.opts.FailNode {
			send(event("execution_error", map[string]interface{}{
				"prompt_id":         p.PromptID,
				"node_id":           id,
				"node_type":         classType(p.Prompt, id),
				"executed":          []string{},
				"exception_message": "stub failure",
				"exception_type":    "RuntimeError",
				"traceback":         []string{"stub"},
				"current_inputs":    map[string]interface{}{},
				"current_outputs":   map[string]interface{}{},
			}))
			send(statusMessage(0, ""))
			return
		}

		if node := p.Prompt[id]; node != nil && node.ClassType == "KSampler" {
			for v := 1; v <= 3; v++ {
				send(event("progress", map[string]interface{}{"value": v, "max": 3, "prompt_id": p.PromptID, "node": id}))
				if client != nil {
					// type 1 (PREVIEW_IMAGE), format 2 (PNG), then the image
					_ = client.writeBinary(append([]byte{0, 0, 0, 1, 0, 0, 0, 2}, s.opts.OutputImage...))
				}
			}
		}
	}

	if s.opts.Hold {
		return
	}

	outputs := map[string]workflowNodeOutput{}
	send(event("executing", map[string]interface{}{"node": s.opts.OutputNode, "display_node": s.opts.OutputNode, "prompt_id": p.PromptID}))
	if !s.opts.SkipOutput {
		ref := imageRef{Filename: OutputFilename, Subfolder: "", Type: "output"}
		outputs[s.opts.OutputNode] = workflowNodeOutput{Images: []imageRef{ref}}
		if s.opts.LegacyOutputFrame {
			send(map[string]interface{}{"type": "output", "node": s.opts.OutputNode})
		} else {
			send(event("executed", map[string]interface{}{
				"node":      s.opts.OutputNode,
				"output":    map[string]interface{}{"images": []imageRef{ref}},
				"prompt_id": p.PromptID,
			}))
		}
	}

	s.mu.Lock()
	s.history[p.PromptID] = historyEntry{
		Prompt:  []interface{}{p.Number, p.PromptID, p.Prompt, map[string]interface{}{"client_id": p.ClientID}, []string{s.opts.OutputNode}},
		Outputs: outputs,
		Status:  map[string]interface{}{"status_str": "success", "completed": true, "messages": []interface{}{}},
	}
	s.mu.Unlock()

	send(event("execution_success", map[string]interface{}{"prompt_id": p.PromptID}))
	send(event("executing", map[string]interface{}{"node": nil, "prompt_id": p.PromptID}))
	send(statusMessage(0, ""))
}
