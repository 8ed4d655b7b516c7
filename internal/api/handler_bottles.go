package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"winedispense-backend/internal/model"
)

type bottleRequest struct {
	Name          string  `json:"name" binding:"required,max=256"`
	Winery        string  `json:"winery" binding:"required,max=256"`
	RatingAverage float64 `json:"rating_average" binding:"min=0,max=5"`
	Location      string  `json:"location" binding:"max=256"`
	ImagePath300  string  `json:"image_path300" binding:"max=512"`
	ImagePath600  string  `json:"image_path600" binding:"max=512"`
	Description   string  `json:"description"`
	WineType      string  `json:"wine_type" binding:"max=64"`
	Volume        float64 `json:"volume" binding:"required,gt=0"`
}

// bottlePatch carries the fields a PUT may change; absent fields stay as they are.
type bottlePatch struct {
	Name          *string  `json:"name" binding:"omitempty,min=1,max=256"`
	Winery        *string  `json:"winery" binding:"omitempty,min=1,max=256"`
	RatingAverage *float64 `json:"rating_average" binding:"omitempty,min=0,max=5"`
	Location      *string  `json:"location" binding:"omitempty,max=256"`
	ImagePath300  *string  `json:"image_path300" binding:"omitempty,max=512"`
	ImagePath600  *string  `json:"image_path600" binding:"omitempty,max=512"`
	Description   *string  `json:"description"`
	WineType      *string  `json:"wine_type" binding:"omitempty,max=64"`
	Volume        *float64 `json:"volume" binding:"omitempty,gt=0"`
}

func (p bottlePatch) apply(b *model.Bottle) error {
	setIf(&b.Name, p.Name)
	setIf(&b.Winery, p.Winery)
	setIf(&b.RatingAverage, p.RatingAverage)
	setIf(&b.Location, p.Location)
	setIf(&b.ImagePath300, p.ImagePath300)
	setIf(&b.ImagePath600, p.ImagePath600)
	setIf(&b.Description, p.Description)
	setIf(&b.WineType, p.WineType)
	setIf(&b.Volume, p.Volume)
	return nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// ListBottles serves the public catalog.
func (h *Handler) ListBottles(c *gin.Context) {
	bottles, err := h.store.ListBottles(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bottles)
}

func (h *Handler) GetBottle(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	bottle, err := h.store.GetBottle(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bottle)
}

func (h *Handler) CreateBottle(c *gin.Context) {
	var req bottleRequest
	if err := h.bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	bottle := model.Bottle{
		Name:          req.Name,
		Winery:        req.Winery,
		RatingAverage: req.RatingAverage,
		Location:      req.Location,
		ImagePath300:  req.ImagePath300,
		ImagePath600:  req.ImagePath600,
		Description:   req.Description,
		WineType:      req.WineType,
		Volume:        req.Volume,
	}
	if err := h.store.CreateBottle(c.Request.Context(), &bottle); err != nil {
		h.fail(c, err)
		return
	}
	h.catalog.Flush()
	h.log.Audit(c.Request.Context(), "bottle.create", nil, bottle)
	c.JSON(http.StatusCreated, bottle)
}

func (h *Handler) UpdateBottle(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var patch bottlePatch
	if err := h.bind(c, &patch); err != nil {
		h.fail(c, err)
		return
	}
	before, after, err := h.store.UpdateBottle(c.Request.Context(), id, patch.apply)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.catalog.Flush()
	h.log.Audit(c.Request.Context(), "bottle.update", before, after)
	c.JSON(http.StatusOK, after)
}

// ListUsage returns the consumption log, newest first.
func (h *Handler) ListUsage(c *gin.Context) {
	var q pageQuery
	if err := h.bindQuery(c, &q); err != nil {
		h.fail(c, err)
		return
	}
	logs, err := h.store.ListUsage(c.Request.Context(), q.page())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}
