package services

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"arttic/internal/apperr"
	"arttic/internal/generation"
	"arttic/internal/progress"
	"arttic/internal/state"
	"arttic/types"
	"arttic/utils"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

const (
	actionLoadModel       = "load_model"
	actionGenerateImage   = "generate_image"
	actionUnloadModel     = "unload_model"
	actionDeleteImage     = "delete_image"
	actionSettingsData    = "get_settings_data"
	actionDeleteModelFile = "delete_model_file"
	actionDeleteLoraFile  = "delete_lora_file"
	actionClearCache      = "clear_cache"
	actionRestartBackend  = "restart_backend"
)

const (
	eventConnected           = "connected"
	eventProgress            = "progress_update"
	eventModelLoaded         = "model_loaded"
	eventGenerationComplete  = "generation_complete"
	eventGenerationFailed    = "generation_failed"
	eventModelUnloaded       = "model_unloaded"
	eventImageDeleted        = "image_deleted"
	eventGalleryUpdated      = "gallery_updated"
	eventSettingsData        = "settings_data"
	eventSettingsDataUpdated = "settings_data_updated"
	eventModelFileDeleted    = "model_file_deleted"
	eventLoraFileDeleted     = "lora_file_deleted"
	eventCacheCleared        = "cache_cleared"
	eventBackendRestarting   = "backend_restarting"
	eventError               = "error"
)

// restartDelay lets backend_restarting reach the client before sockets close.
var restartDelay = 500 * time.Millisecond

// wsHandler runs one action. Handlers send their own result events; a
// returned error becomes an error event.
type wsHandler func(c wsReply, payload json.RawMessage, report progress.Func) error

// wsReply is the client as a handler sees it. For heavy actions Send first
// drains the progress still in flight, so a result never overtakes it.
type wsReply struct {
	*WSClient
	settle func()
}

func (r wsReply) Send(eventType string, data any) error {
	if r.settle != nil {
		r.settle()
	}
	return r.WSClient.Send(eventType, data)
}

type wsAction struct {
	// heavy actions touch the accelerator and run off the read loop
	heavy bool
	run   wsHandler
}

func (a *Api) actions() map[string]wsAction {
	return map[string]wsAction{
		actionLoadModel:       {heavy: true, run: a.wsLoadModel},
		actionGenerateImage:   {heavy: true, run: a.wsGenerateImage},
		actionUnloadModel:     {heavy: true, run: a.wsUnloadModel},
		actionClearCache:      {heavy: true, run: a.wsClearCache},
		actionDeleteImage:     {run: a.wsDeleteImage},
		actionSettingsData:    {run: a.wsSettingsData},
		actionDeleteModelFile: {run: a.wsDeleteModelFile},
		actionDeleteLoraFile:  {run: a.wsDeleteLoraFile},
		actionRestartBackend:  {run: a.wsRestartBackend},
	}
}

func (a *Api) WsUpgrade() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

func (a *Api) Notifications() fiber.Handler {
	actions := a.actions()
	return websocket.New(func(conn *websocket.Conn) {
		a.serveClient(conn, strings.TrimSpace(conn.Query("clientId")), actions)
	})
}

func (a *Api) serveClient(ws socket, clientID string, actions map[string]wsAction) {
	if clientID == "" || len(clientID) > 64 {
		clientID = utils.NewJobID()
	}

	client := newWSClient(clientID, ws)
	for !a.Hub.Add(client) {
		a.logger.Warn("client id already connected, assigning a new one", "requested", clientID)
		client.id = utils.NewJobID()
	}
	clientID = client.id
	a.Metrics.WSConnected()
	a.logger.Info("client connected", "client", clientID, "clients", a.Hub.Count())

	go client.writeLoop()
	_ = client.Send(eventConnected, types.ConnectedEvent{ClientID: clientID})

	client.readPump(
		func(msg []byte) { a.dispatch(client, msg, actions) },
		func() {
			a.Hub.Remove(client)
			a.Metrics.WSDisconnected()
			a.logger.Info("client disconnected", "client", clientID, "clients", a.Hub.Count())
		},
	)
}

func (a *Api) dispatch(c *WSClient, msg []byte, actions map[string]wsAction) {
	var req types.WSRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		_ = c.Send(eventError, types.MessageEvent{Message: "Malformed message."})
		return
	}

	act, ok := actions[req.Action]
	if !ok {
		a.logger.Warn("unknown websocket action", "client", c.id, "action", req.Action)
		return
	}
	a.Metrics.WSAction(req.Action)

	if err := validatePayload(req.Action, req.Payload); err != nil {
		_ = c.Send(eventError, types.MessageEvent{Message: apperr.Message(err)})
		return
	}

	if !act.heavy {
		a.runAction(wsReply{WSClient: c}, req.Action, act.run, req.Payload, progress.Nop)
		return
	}

	if !c.busy.CompareAndSwap(false, true) {
		_ = c.Send(eventError, types.MessageEvent{Message: "Another operation is still running, please wait for it to finish."})
		return
	}
	go func() {
		defer c.busy.Store(false)
		report, settle := a.forwardProgress(c)
		defer settle()
		a.runAction(wsReply{WSClient: c, settle: settle}, req.Action, act.run, req.Payload, report)
	}()
}

func (a *Api) runAction(c wsReply, action string, run wsHandler, payload json.RawMessage, report progress.Func) {
	if err := run(c, payload, report); err != nil {
		if apperr.KindOf(err) == apperr.Internal {
			a.logger.Error("action failed", "client", c.id, "action", action, "err", err)
		} else {
			a.logger.Warn("action rejected", "client", c.id, "action", action, "err", err)
		}
		_ = c.Send(eventError, types.MessageEvent{Message: apperr.Message(err)})
	}
}

// forwardProgress relays tracker updates to c as progress events. settle
// stops the relay and waits for it to hand off what is pending.
func (a *Api) forwardProgress(c *WSClient) (progress.Func, func()) {
	tracker := progress.NewTracker(8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for u := range tracker.Updates() {
			c.Notify(eventProgress, types.ProgressEvent{Progress: u.Progress, Description: u.Description})
		}
	}()

	var once sync.Once
	settle := func() {
		once.Do(func() {
			tracker.Close()
			<-done
		})
	}
	return tracker.Func(), settle
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return apperr.Wrap(apperr.InvalidInput, "Malformed payload.", err)
	}
	return nil
}

func (a *Api) wsLoadModel(c wsReply, payload json.RawMessage, report progress.Func) error {
	var p types.LoadModelPayload
	if err := decode(payload, &p); err != nil {
		return err
	}

	st, err := a.State.Load(a.ctx, state.LoadRequest{
		Model:      p.ModelName,
		Scheduler:  p.SchedulerName,
		VaeTiling:  p.VaeTiling,
		CPUOffload: p.CPUOffload,
		Lora:       p.LoraName,
	}, report)
	if err != nil {
		return err
	}

	return c.Send(eventModelLoaded, types.ModelLoadedEvent{
		StatusMessage: st.Message,
		ModelType:     st.ModelType,
		Width:         st.Width,
		Height:        st.Height,
		MaxResVRAM:    a.State.MaxResolution(a.ctx, false),
		MaxResOffload: a.State.MaxResolution(a.ctx, true),
	})
}

func (a *Api) wsGenerateImage(c wsReply, payload json.RawMessage, report progress.Func) error {
	var p types.GeneratePayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	req := generation.Request{
		Prompt:         p.Prompt,
		NegativePrompt: p.NegativePrompt,
		Steps:          p.Steps,
		Guidance:       p.Guidance,
		Seed:           p.Seed,
		Width:          p.Width,
		Height:         p.Height,
	}
	if p.LoraWeight != nil {
		req.LoraWeight = *p.LoraWeight
	}

	res, err := a.Generator.Generate(a.ctx, req, report)
	if apperr.Is(err, apperr.OutOfMemory) {
		return c.Send(eventGenerationFailed, types.MessageEvent{Message: apperr.Message(err)})
	}
	if err != nil {
		return err
	}

	if err := c.Send(eventGenerationComplete, res); err != nil {
		return err
	}
	a.Hub.Broadcast(eventGalleryUpdated, types.GalleryResponse{Images: a.Store.ListOutputs()})
	return nil
}

func (a *Api) wsUnloadModel(c wsReply, _ json.RawMessage, _ progress.Func) error {
	st := a.State.Unload(a.ctx)
	return c.Send(eventModelUnloaded, types.StatusMessageEvent{StatusMessage: st.Message})
}

func (a *Api) wsClearCache(c wsReply, _ json.RawMessage, _ progress.Func) error {
	if err := a.State.ClearCache(a.ctx); err != nil {
		return apperr.Wrap(apperr.Internal, "Could not clear the accelerator cache.", err)
	}
	return c.Send(eventCacheCleared, types.ResultEvent{Status: "success", Message: "Accelerator cache cleared."})
}

func result(err error, okMessage, filename string) types.ResultEvent {
	if err != nil {
		return types.ResultEvent{Status: "error", Message: apperr.Message(err), Filename: filename}
	}
	return types.ResultEvent{Status: "success", Message: okMessage, Filename: filename}
}

func (a *Api) wsDeleteImage(c wsReply, payload json.RawMessage, _ progress.Func) error {
	var p types.FilePayload
	if err := decode(payload, &p); err != nil {
		return err
	}

	err := a.Store.DeleteOutput(p.Filename)
	if err == nil && a.History != nil {
		if _, herr := a.History.DeleteByFilename(a.ctx, p.Filename); herr != nil {
			a.logger.Warn("could not drop history row", "filename", p.Filename, "err", herr)
		}
	}
	if serr := c.Send(eventImageDeleted, result(err, "Image '"+p.Filename+"' deleted.", p.Filename)); serr != nil {
		return serr
	}
	if err == nil {
		a.Hub.Broadcast(eventGalleryUpdated, types.GalleryResponse{Images: a.Store.ListOutputs()})
	}
	return nil
}

func (a *Api) settingsData() types.SettingsDataEvent {
	return types.SettingsDataEvent{Models: a.Store.ModelFiles(), Loras: a.Store.LoraFiles()}
}

func (a *Api) wsSettingsData(c wsReply, _ json.RawMessage, _ progress.Func) error {
	return c.Send(eventSettingsData, a.settingsData())
}

// BroadcastSettings pushes the current model and LoRA listings to everyone.
func (a *Api) BroadcastSettings() {
	a.Hub.Broadcast(eventSettingsDataUpdated, a.settingsData())
}

func (a *Api) deleteFile(c wsReply, payload json.RawMessage, event, what string, remove func(string) error) error {
	var p types.FilePayload
	if err := decode(payload, &p); err != nil {
		return err
	}

	err := remove(p.Filename)
	if serr := c.Send(event, result(err, what+" '"+p.Filename+"' deleted.", p.Filename)); serr != nil {
		return serr
	}
	if err == nil {
		a.BroadcastSettings()
	}
	return nil
}

func (a *Api) wsDeleteModelFile(c wsReply, payload json.RawMessage, _ progress.Func) error {
	return a.deleteFile(c, payload, eventModelFileDeleted, "Model", a.Store.DeleteModelFile)
}

func (a *Api) wsDeleteLoraFile(c wsReply, payload json.RawMessage, _ progress.Func) error {
	return a.deleteFile(c, payload, eventLoraFileDeleted, "LoRA", a.Store.DeleteLoraFile)
}

func (a *Api) wsRestartBackend(c wsReply, _ json.RawMessage, _ progress.Func) error {
	a.logger.Warn("backend restart requested", "client", c.id)
	_ = c.Send(eventBackendRestarting, struct{}{})
	go func() {
		time.Sleep(restartDelay)
		a.State.Unload(a.ctx)
		a.Restart()
	}()
	return nil
}
