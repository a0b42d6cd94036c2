package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/chat"
	"github.com/pliu/chatty/internal/media"
	"github.com/pliu/chatty/internal/pipeline"
	"github.com/pliu/chatty/internal/presence"
)

type AddUsersRequest struct {
	UserIDs []int `json:"userIds" validate:"required,min=1,dive,gt=0"`
}

type SendMessageRequest struct {
	Content  string `json:"content" validate:"max=4000"`
	ImageURL string `json:"imageUrl" validate:"omitempty,max=1024"`
}

type ChatHandler struct {
	Chat      *chat.Service
	Presence  *presence.Service
	Media     *media.Store
	Pipeline  *pipeline.Pipeline
	MaxUpload int64
	Logger    *slog.Logger
}

func (h *ChatHandler) CreateChatroom(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, pipeline.OpCreateChatroom, 0, http.StatusCreated,
		func(ctx context.Context, call *pipeline.Call) (any, error) {
			var in chat.CreateChatroomInput
			if err := decode(r, &in); err != nil {
				return nil, err
			}
			return h.Chat.CreateChatroom(ctx, call.Caller.UserID, in)
		})
}

// DeleteChatroom is reserved to the room's admin.
func (h *ChatHandler) DeleteChatroom(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, pipeline.OpDeleteChatroom, chatroomID(r), http.StatusNoContent,
		func(ctx context.Context, call *pipeline.Call) (any, error) {
			room, err := h.Chat.GetChatroomByID(ctx, call.ChatroomID)
			if err != nil {
				return nil, err
			}
			if room.AdminID != call.Caller.UserID {
				return nil, apperr.Forbidden("only the admin can delete this chatroom")
			}
			if err := h.Chat.DeleteChatroom(ctx, call.ChatroomID); err != nil {
				return nil, err
			}
			if err := h.Presence.Clear(ctx, call.ChatroomID); err != nil {
				h.Logger.Warn("clearing presence of deleted chatroom", "chatroom", call.ChatroomID, "error", err)
			}
			return nil, nil
		})
}

func (h *ChatHandler) AddUsers(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, pipeline.OpAddUsersToChatroom, chatroomID(r), http.StatusOK,
		func(ctx context.Context, call *pipeline.Call) (any, error) {
			var req AddUsersRequest
			if err := decode(r, &req); err != nil {
				return nil, err
			}
			return h.Chat.AddUsersToChatroom(ctx, call.ChatroomID, req.UserIDs)
		})
}

func (h *ChatHandler) GetChatroom(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, pipeline.OpGetChatroomByID, chatroomID(r), http.StatusOK,
		func(ctx context.Context, call *pipeline.Call) (any, error) {
			return h.Chat.GetChatroomByID(ctx, call.ChatroomID)
		})
}

func (h *ChatHandler) GetChatroomsForUser(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, pipeline.OpGetChatroomsForUser, 0, http.StatusOK,
		func(ctx context.Context, call *pipeline.Call) (any, error) {
			return h.Chat.GetChatroomsForUser(ctx, call.Caller.UserID)
		})
}

func (h *ChatHandler) SearchChatrooms(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, pipeline.OpSearchChatrooms, 0, http.StatusOK,
		func(ctx context.Context, call *pipeline.Call) (any, error) {
			q := r.URL.Query()
			limit, _ := strconv.Atoi(q.Get("limit"))
			return h.Chat.SearchChatrooms(ctx, call.Caller.UserID, q.Get("q"), limit)
		})
}

// GetMessages serves ?take=&cursor=. Unparsable values fall back to the
// defaults.
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, pipeline.OpGetMessagesForChatroom, chatroomID(r), http.StatusOK,
		func(ctx context.Context, call *pipeline.Call) (any, error) {
			q := r.URL.Query()
			take, _ := strconv.Atoi(q.Get("take"))
			var cursor *int
			if c, err := strconv.Atoi(q.Get("cursor")); err == nil {
				cursor = &c
			}
			return h.Chat.GetMessagesForChatroom(ctx, call.ChatroomID, take, cursor)
		})
}

// SendMessage accepts JSON, or multipart/form-data with a "content" field and
// an optional "image" file.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, pipeline.OpSendMessage, chatroomID(r), http.StatusCreated,
		func(ctx context.Context, call *pipeline.Call) (any, error) {
			var req SendMessageRequest
			if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
				if err := h.readMultipart(w, r, &req); err != nil {
					return nil, err
				}
			} else if err := decode(r, &req); err != nil {
				return nil, err
			}
			return h.Chat.SendMessage(ctx, call.ChatroomID, call.Caller.UserID, req.Content, req.ImageURL)
		})
}

func (h *ChatHandler) readMultipart(w http.ResponseWriter, r *http.Request, req *SendMessageRequest) error {
	if err := h.parseMultipart(w, r); err != nil {
		return err
	}
	req.Content = r.FormValue("content")
	if err := validateStruct(req); err != nil {
		return err
	}
	url, err := h.saveUpload(r, "image")
	if err != nil {
		return err
	}
	req.ImageURL = url
	return nil
}

func (h *ChatHandler) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUpload+1<<20)
	if err := r.ParseMultipartForm(h.MaxUpload); err != nil {
		return apperr.BadRequest("invalid upload")
	}
	return nil
}

// saveUpload stores the file sent as field and returns its public URL, or ""
// when the form has no such file.
func (h *ChatHandler) saveUpload(r *http.Request, field string) (string, error) {
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return "", nil
	}
	if err != nil {
		return "", apperr.BadRequest("invalid %s", field)
	}
	defer file.Close()
	return h.Media.Save(header.Filename, file)
}

func (h *ChatHandler) StartTyping(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, pipeline.OpStartTyping, chatroomID(r), http.StatusOK,
		func(ctx context.Context, call *pipeline.Call) (any, error) {
			return h.Chat.StartTyping(ctx, call.ChatroomID, call.Caller.UserID)
		})
}

func (h *ChatHandler) StopTyping(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, pipeline.OpStopTyping, chatroomID(r), http.StatusOK,
		func(ctx context.Context, call *pipeline.Call) (any, error) {
			return h.Chat.StopTyping(ctx, call.ChatroomID, call.Caller.UserID)
		})
}

func (h *ChatHandler) EnterChatroom(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, pipeline.OpEnterChatroom, chatroomID(r), http.StatusOK,
		func(ctx context.Context, call *pipeline.Call) (any, error) {
			added, err := h.Presence.Enter(ctx, call.ChatroomID, call.Caller.UserID)
			if err != nil {
				return nil, err
			}
			return map[string]bool{"entered": added}, nil
		})
}

func (h *ChatHandler) LeaveChatroom(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, pipeline.OpLeaveChatroom, chatroomID(r), http.StatusNoContent,
		func(ctx context.Context, call *pipeline.Call) (any, error) {
			return nil, h.Presence.Leave(ctx, call.ChatroomID, call.Caller.UserID)
		})
}

func (h *ChatHandler) GetLiveUsers(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, pipeline.OpGetLiveUsers, chatroomID(r), http.StatusOK,
		func(ctx context.Context, call *pipeline.Call) (any, error) {
			return h.Presence.LiveUsers(ctx, call.ChatroomID)
		})
}

func (h *ChatHandler) serve(w http.ResponseWriter, r *http.Request, op pipeline.Operation, roomID, status int, fn handlerFunc) {
	serve(w, r, h.Pipeline, h.Logger, op, roomID, status, fn)
}
