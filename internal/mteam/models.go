package mteam

import "kyri56xcaesar/eventteams/internal/membership"

// TeamView is a team as the API returns it, with capacity details from the
// event when they could be fetched.
type TeamView struct {
	*membership.Team

	TeamSize    *membership.Bounds `json:"teamSize,omitempty"`
	MemberCount int                `json:"memberCount"`
	IsFull      *bool              `json:"isFull,omitempty"`
}

type TeamListResponse struct {
	Items []TeamView `json:"items"`
	Total int        `json:"total"`
}

type CreateTeamRequest struct {
	EventID string `json:"eventId" form:"eventId" binding:"required"`
	Name    string `json:"name" form:"name"`
}

type RenameTeamRequest struct {
	Name string `json:"name" form:"name"`
}

type InviteRequest struct {
	UserID string `json:"userId" form:"userId" binding:"required"`
}
