package usagemanager

import (
	"encoding/json"
	"net/http"
	"strconv"

	gmux "github.com/gorilla/mux"
)

type APIRouter struct {
	*gmux.Router
	manager UsageManager
}

func APIRouterOf(manager UsageManager) *APIRouter {
	ret := &APIRouter{
		manager: manager,
	}
	ret.registerMux()
	return ret
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (ar *APIRouter) registerMux() {
	ar.Router = gmux.NewRouter()
	ar.HandleFunc("/admin/channels", ar.listAllChannelsHlr).Methods("GET")
	ar.HandleFunc("/admin/channels/{ID}", ar.getChannelUsageHlr).Methods("GET")
	ar.HandleFunc("/admin/channels/{ID}", ar.deleteChannelHlr).Methods("DELETE")
	ar.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", "GET,DELETE,OPTIONS")
	})
	ar.Use(corsMiddleware)
}

func channelIDOf(r *http.Request) (uint32, error) {
	id, err := strconv.ParseUint(gmux.Vars(r)["ID"], 10, 32)
	return uint32(id), err
}

func (ar *APIRouter) listAllChannelsHlr(w http.ResponseWriter, r *http.Request) {
	usages, err := ar.manager.ListAllChannels()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp, err := json.Marshal(usages)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(resp)
}

func (ar *APIRouter) getChannelUsageHlr(w http.ResponseWriter, r *http.Request) {
	channelID, err := channelIDOf(r)
	if err != nil {
		http.Error(w, "channel id must be an unsigned 32-bit integer", http.StatusBadRequest)
		return
	}

	usage, err := ar.manager.GetChannelUsage(channelID)
	if err == ErrChannelNotFound {
		http.Error(w, ErrChannelNotFound.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp, err := json.Marshal(usage)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(resp)
}

func (ar *APIRouter) deleteChannelHlr(w http.ResponseWriter, r *http.Request) {
	channelID, err := channelIDOf(r)
	if err != nil {
		http.Error(w, "channel id must be an unsigned 32-bit integer", http.StatusBadRequest)
		return
	}

	err = ar.manager.DeleteChannel(channelID)
	if err == ErrChannelNotFound {
		http.Error(w, ErrChannelNotFound.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
