package handler

import (
	"fmt"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"schoolops/internal/model"
)

var registerOnce sync.Once

// RegisterValidators adds the "clock" tag (HH:MM, 24h) to gin's validator.
func RegisterValidators() error {
	var err error
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			err = fmt.Errorf("unexpected validator engine %T", binding.Validator.Engine())
			return
		}
		err = v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
			_, perr := model.ParseClock(fl.Field().String())
			return perr == nil
		})
	})
	return err
}
