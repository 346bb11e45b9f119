// Package gateway serves the maintdesk REST API.
//
// # Overview
//
// Gateway owns every service of one instance: the SQLite store, media blob
// storage, token codec, access gate, session issuer, task service and the
// media retention sweeper. New constructs them from a config.Config; Run
// listens (TCP, or a tsnet node when tailscale is enabled), starts the
// sweeper, and serves until the context is canceled.
//
// # Routes
//
//	GET    /health                          liveness (database ping)
//	GET    /metrics                         Prometheus, when enabled
//	POST   /api/auth/login                  request a magic link
//	GET    /api/auth/magic-link?token=      exchange a magic link for a session
//	POST   /api/miniapp/validate            exchange Mini App init data for a session
//	GET    /api/me                          caller profile
//	GET    /api/tasks                       list (non-admins see their own tasks)
//	POST   /api/tasks                       create
//	GET    /api/tasks/{uid}                 get
//	PATCH  /api/tasks/{uid}                 edit fields (admin)
//	POST   /api/tasks/{uid}/status          change status (admin)
//	POST   /api/tasks/{uid}/assignees       add or remove an assignee (admin)
//	POST   /api/tasks/{uid}/note            add a note (admin)
//	POST   /api/tasks/{uid}/media           upload media
//	GET    /api/media/{uid}/{filename}      fetch media; ?token= accepted
//	DELETE /api/media/{uid}/{filename}      delete media (admin)
//	GET    /api/users                       list users (admin)
//	POST   /api/users                       create user (admin)
//	PATCH  /api/users/{telegram_id}         update user (admin)
//	GET    /api/users/export                users CSV (admin)
//	GET    /api/audit                       audit log (admin)
//	POST   /api/cron/media-retention        run one sweep; X-CRON-KEY header
//
// # Errors
//
// Errors are JSON objects {"error": "..."}. 401 means the client must
// discard its token and log in again; 403 means the role is insufficient.
// Login failures are reported as a generic "login failed".
package gateway
