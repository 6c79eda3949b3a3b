package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"circuitlab-backend/internal/conversation"
	"circuitlab-backend/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ListConversations returns the caller's conversations: own for students,
// assigned for instructors. Supports status/experiment filters, title search
// and pagination.
func (h *Handler) ListConversations(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	filter := conversation.Filter{
		Status: models.ConversationStatus(c.Query("status")),
		Search: c.Query("search"),
	}
	if expParam := c.Query("experiment_id"); expParam != "" {
		expID, err := uuid.Parse(expParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid experiment_id"})
			return
		}
		filter.ExperimentID = &expID
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	var (
		convs []models.Conversation
		err   error
	)
	switch user.Role {
	case models.RoleInstructor:
		convs, err = h.conversations.ListByInstructor(ctx, user.ID, filter)
	default:
		convs, err = h.conversations.ListByStudent(ctx, user.ID, filter)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list conversations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// GetConversation returns one conversation with its full message history and
// the caller's unread count.
func (h *Handler) GetConversation(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	convID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID format"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	conv, err := h.conversations.GetByID(ctx, convID, user)
	if err != nil {
		respondConversationError(c, err)
		return
	}

	c.JSON(http.StatusOK, conv)
}

// MarkConversationRead marks all messages from other participants as read.
func (h *Handler) MarkConversationRead(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	convID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID format"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	conv, err := h.conversations.MarkRead(ctx, convID, user)
	if err != nil {
		respondConversationError(c, err)
		return
	}

	c.JSON(http.StatusOK, conv)
}

// ArchiveConversation retires a conversation, freeing the experiment/student
// pair for a fresh one. Students cannot archive; instructors only their own.
func (h *Handler) ArchiveConversation(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	if user.Role != models.RoleInstructor && user.Role != models.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only instructors can archive conversations"})
		return
	}

	convID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID format"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	if _, err := h.conversations.GetByID(ctx, convID, user); err != nil {
		respondConversationError(c, err)
		return
	}
	if err := h.conversations.Archive(ctx, convID); err != nil {
		respondConversationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     convID.String(),
		"status": string(models.ConversationArchived),
	})
}

func respondConversationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
	case errors.Is(err, conversation.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "You do not have access to this conversation"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
