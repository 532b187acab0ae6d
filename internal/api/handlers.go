package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	lockerrors "github.com/kartikbazzad/bunbase/bunlock/internal/errors"
	"github.com/kartikbazzad/bunbase/bunlock/internal/lock"
	"github.com/kartikbazzad/bunbase/bunlock/internal/record"
	"github.com/kartikbazzad/bunbase/bunlock/internal/session"
	"github.com/kartikbazzad/bunbase/bunlock/internal/store"
)

type createGuideRequest struct {
	StaffID string `json:"staff_id"`
	Name    string `json:"name" binding:"required"`
	Salary  int64  `json:"salary"`
}

type updateGuideRequest struct {
	Name   string `json:"name" binding:"required"`
	Salary int64  `json:"salary"`
}

type scaleRequest struct {
	Factor int64  `json:"factor" binding:"required"`
	Prefix string `json:"prefix"`
}

func etag(version int64) string {
	return strconv.Quote(strconv.FormatInt(version, 10))
}

// parseIfMatch accepts "3", W/"3" and 3.
func parseIfMatch(h string) (int64, error) {
	h = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(h), "W/"))
	return strconv.ParseInt(strings.Trim(h, `"`), 10, 64)
}

func guideID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid guide id"})
		return 0, false
	}
	return id, true
}

func requireVersion(c *gin.Context) (int64, bool) {
	h := c.GetHeader("If-Match")
	if h == "" {
		c.JSON(http.StatusPreconditionRequired, gin.H{"error": "If-Match header with the guide version is required"})
		return 0, false
	}
	v, err := parseIfMatch(h)
	if err != nil || v < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid If-Match version"})
		return 0, false
	}
	return v, true
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	switch {
	case lockerrors.IsVersionConflict(err):
		status, msg = http.StatusConflict, lockerrors.ConflictMessage
	case lockerrors.IsLockTimeout(err):
		status = http.StatusLocked
	case errors.Is(err, lockerrors.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lockerrors.ErrRecordExists):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Error("Request failed", "path", c.FullPath(), "category", s.classifier.Classify(err), "error", err)
	}
	c.JSON(status, gin.H{"error": msg})
}

// withSession runs fn in a fresh session and closes it, committing on success.
func (s *Server) withSession(c *gin.Context, fn func(sess *session.Session) error) error {
	ctx := c.Request.Context()
	sess := s.factory.Open()
	if err := sess.Begin(ctx); err != nil {
		return err
	}
	if err := fn(sess); err != nil {
		sess.Rollback(ctx)
		return err
	}
	return sess.Close(ctx)
}

func (s *Server) ListGuides(c *gin.Context) {
	q := store.Query{NamePrefix: c.Query("prefix")}
	var out []record.Guide
	err := s.withSession(c, func(sess *session.Session) error {
		guides, err := sess.BulkRead(c.Request.Context(), q, lock.None)
		for _, g := range guides {
			out = append(out, g.Value())
		}
		return err
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"guides": out})
}

func (s *Server) GetGuide(c *gin.Context) {
	id, ok := guideID(c)
	if !ok {
		return
	}
	var g record.Guide
	err := s.withSession(c, func(sess *session.Session) error {
		got, err := sess.Read(c.Request.Context(), id, lock.None)
		if err == nil {
			g = got.Value()
		}
		return err
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("ETag", etag(g.Version))
	c.JSON(http.StatusOK, g)
}

func (s *Server) CreateGuide(c *gin.Context) {
	var req createGuideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	g := &record.Guide{StaffID: req.StaffID, Name: req.Name, Salary: req.Salary}
	if err := s.withSession(c, func(sess *session.Session) error {
		return sess.Insert(c.Request.Context(), g)
	}); err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("ETag", etag(g.Version))
	c.Header("Location", fmt.Sprintf("/guides/%d", g.ID))
	c.JSON(http.StatusCreated, g.Value())
}

// UpdateGuide merges the client's copy, read at the If-Match version, as the
// second transaction of a conversation.
func (s *Server) UpdateGuide(c *gin.Context) {
	id, ok := guideID(c)
	if !ok {
		return
	}
	version, ok := requireVersion(c)
	if !ok {
		return
	}
	var req updateGuideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cv := s.coord.Resume(record.Guide{ID: id, Name: req.Name, Salary: req.Salary, Version: version})
	g, err := cv.Finish(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("ETag", etag(g.Version))
	c.JSON(http.StatusOK, g.Value())
}

func (s *Server) DeleteGuide(c *gin.Context) {
	id, ok := guideID(c)
	if !ok {
		return
	}
	version, ok := requireVersion(c)
	if !ok {
		return
	}
	err := s.withSession(c, func(sess *session.Session) error {
		ctx := c.Request.Context()
		g, err := sess.Read(ctx, id, lock.Write)
		if err != nil {
			return err
		}
		if g.Version != version {
			return lockerrors.NewConflict(id, version, g.Version)
		}
		return sess.Delete(ctx, g)
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) Aggregate(c *gin.Context) {
	fn, err := store.ParseAggregate(c.Param("fn"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := lock.ParseMode(c.DefaultQuery("lock", "none"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	q := store.Query{NamePrefix: c.Query("prefix")}

	var value int64
	err = s.withSession(c, func(sess *session.Session) error {
		ctx := c.Request.Context()
		if mode != lock.None {
			if _, err := sess.BulkRead(ctx, q, mode); err != nil {
				return err
			}
		}
		v, err := sess.Aggregate(ctx, q, fn)
		value = v
		return err
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fn": fn.String(), "value": value})
}

// Scale runs the pessimistic bulk update: WRITE-lock the matching guides,
// sum their salaries, multiply, sum again, commit.
func (s *Server) Scale(c *gin.Context) {
	var req scaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	q := store.Query{NamePrefix: req.Prefix}

	var before, after, rows int64
	err := s.withSession(c, func(sess *session.Session) error {
		ctx := c.Request.Context()
		var err error
		if _, err = sess.BulkRead(ctx, q, lock.Write); err != nil {
			return err
		}
		if before, err = sess.Aggregate(ctx, q, store.Sum); err != nil {
			return err
		}
		if rows, err = sess.BulkScale(ctx, q, req.Factor); err != nil {
			return err
		}
		after, err = sess.Aggregate(ctx, q, store.Sum)
		return err
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows, "sum_before": before, "sum_after": after})
}
