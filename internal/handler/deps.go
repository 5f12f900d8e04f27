package handler

import (
	"roomrelay/internal/app/chat"
	"roomrelay/internal/configs"
)

// AppDeps carries the long-lived collaborators every handler needs.
type AppDeps struct {
	Router *chat.Router
	Config *configs.AppConfig
}
