package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleMe(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	profile, err := h.users.EnsureProfile(c.Request.Context(), userID.String(), userID.String(), "", "")
	if err != nil {
		h.logger.Error("failed to load profile", zap.String("user_id", userID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "profile": profile})
}

// handleSearchProfiles lists other users by username substring. An empty q lists the first page alphabetically.
func (h *httpHandler) handleSearchProfiles(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	profiles, err := h.users.SearchProfiles(c.Request.Context(), c.Query("q"), userID.String(), int(limit))
	if err != nil {
		h.logger.Error("profile search failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles})
}
