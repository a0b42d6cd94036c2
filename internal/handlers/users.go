package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pliu/chatty/internal/chat"
	"github.com/pliu/chatty/internal/pipeline"
)

// UpdateProfile accepts JSON, or multipart/form-data with a "fullname" field
// and an optional "avatar" file.
func (h *ChatHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, pipeline.OpUpdateUserProfile, 0, http.StatusOK,
		func(ctx context.Context, call *pipeline.Call) (any, error) {
			var in chat.UpdateProfileInput
			if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
				if err := h.parseMultipart(w, r); err != nil {
					return nil, err
				}
				in.Fullname = r.FormValue("fullname")
				if err := validateStruct(&in); err != nil {
					return nil, err
				}
				url, err := h.saveUpload(r, "avatar")
				if err != nil {
					return nil, err
				}
				in.AvatarURL = url
			} else if err := decode(r, &in); err != nil {
				return nil, err
			}
			return h.Chat.UpdateUserProfile(ctx, call.Caller.UserID, in)
		})
}

func (h *ChatHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, pipeline.OpSearchUsers, 0, http.StatusOK,
		func(ctx context.Context, call *pipeline.Call) (any, error) {
			return h.Chat.SearchUsers(ctx, call.Caller.UserID, r.URL.Query().Get("fullname"))
		})
}

func (h *ChatHandler) FindUser(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, pipeline.OpFindUserByID, 0, http.StatusOK,
		func(ctx context.Context, _ *pipeline.Call) (any, error) {
			id, _ := strconv.Atoi(mux.Vars(r)["id"])
			return h.Chat.FindUserByID(ctx, id)
		})
}

func (h *ChatHandler) GetUsers(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, pipeline.OpGetUsersOfChatroom, chatroomID(r), http.StatusOK,
		func(ctx context.Context, call *pipeline.Call) (any, error) {
			return h.Chat.GetUsersOfChatroom(ctx, call.ChatroomID)
		})
}
