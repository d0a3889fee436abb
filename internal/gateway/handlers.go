package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	contractauth "github.com/next-trace/blossom/contract/auth"
	contractusers "github.com/next-trace/blossom/contract/users"
)

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, errorBody{Error: codeBadRequest, Message: "id must be a positive integer"})
		return 0, false
	}

	return id, true
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: codeBadRequest, Message: err.Error()})
		return false
	}

	return true
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, errorBody{Error: codeNotFound, Message: "user not found"})
}

func (g *Gateway) createUser(c *gin.Context) {
	var in contractusers.CreateUser
	if !bind(c, &in) {
		return
	}

	u, err := g.users.Create(c.Request.Context(), in)
	if err != nil {
		g.fail(c, err)
		return
	}

	if u == nil {
		g.fail(c, errEmptyReply)
		return
	}

	c.JSON(http.StatusCreated, u.View())
}

func (g *Gateway) listUsers(c *gin.Context) {
	all, err := g.users.FindAll(c.Request.Context())
	if err != nil {
		g.fail(c, err)
		return
	}

	views := make([]contractusers.View, 0, len(all))
	for _, u := range all {
		views = append(views, u.View())
	}

	c.JSON(http.StatusOK, views)
}

func (g *Gateway) getUser(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	u, err := g.users.FindOne(c.Request.Context(), id)
	if err != nil {
		g.fail(c, err)
		return
	}

	if u == nil {
		notFound(c)
		return
	}

	c.JSON(http.StatusOK, u.View())
}

func (g *Gateway) updateUser(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var in contractusers.UpdateUser
	if !bind(c, &in) {
		return
	}

	u, err := g.users.Update(c.Request.Context(), id, in)
	if err != nil {
		g.fail(c, err)
		return
	}

	if u == nil {
		notFound(c)
		return
	}

	c.JSON(http.StatusOK, u.View())
}

func (g *Gateway) removeUser(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	u, err := g.users.Remove(c.Request.Context(), id)
	if err != nil {
		g.fail(c, err)
		return
	}

	if u == nil {
		notFound(c)
		return
	}

	c.JSON(http.StatusOK, u.View())
}

func (g *Gateway) register(c *gin.Context) {
	var in contractauth.RegisterCredentials
	if !bind(c, &in) {
		return
	}

	cred, err := g.auth.Register(c.Request.Context(), in)
	if err != nil {
		g.fail(c, err)
		return
	}

	if cred == nil {
		g.fail(c, errEmptyReply)
		return
	}

	c.JSON(http.StatusCreated, cred)
}

func (g *Gateway) verify(c *gin.Context) {
	var in contractauth.VerifyCredentials
	if !bind(c, &in) {
		return
	}

	res, err := g.auth.Verify(c.Request.Context(), in)
	if err != nil {
		g.fail(c, err)
		return
	}

	if !res.Valid {
		c.JSON(http.StatusUnauthorized, res)
		return
	}

	c.JSON(http.StatusOK, res)
}
