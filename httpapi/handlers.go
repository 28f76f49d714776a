package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/samber/lo"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/mrjvadi/tattoo-broker/broker"
	"github.com/mrjvadi/tattoo-broker/tattoo"
)

// handleTrain stores the uploaded photos, trains a model on them and
// publishes what the training run produced.
func (s *Server) handleTrain(ctx *fasthttp.RequestCtx) {
	form, err := ctx.MultipartForm()
	if err != nil {
		s.fail(ctx, fmt.Errorf("%w: %v", tattoo.ErrInvalidParams, err))
		return
	}
	value := func(k string) string {
		if v := form.Value[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	fio := tattoo.Translit(value("fio"))
	if fio == "" {
		s.fail(ctx, fmt.Errorf("%w: fio is required", tattoo.ErrInvalidParams))
		return
	}
	gender, err := tattoo.ParseGender(value("gender"))
	if err != nil {
		s.fail(ctx, err)
		return
	}
	model, err := tattoo.ParseModelName(value("name_of_model"))
	if err != nil {
		s.fail(ctx, err)
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		s.fail(ctx, fmt.Errorf("%w: no files uploaded", tattoo.ErrInvalidParams))
		return
	}

	modelDir, imagesDir, err := s.store.TrainingDirs(model, fio)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			s.fail(ctx, err)
			return
		}
		err = s.store.SaveUpload(imagesDir, fh.Filename, f)
		_ = f.Close()
		if err != nil {
			s.fail(ctx, err)
			return
		}
	}

	cctx, cancel := s.callContext()
	defer cancel()
	res, err := s.svc.Train(cctx, tattoo.TrainParams{
		ModelDir:   modelDir,
		Prompt:     value("promt"),
		ModelName:  model,
		TypePerson: gender,
	})
	s.respond(ctx, fio, res, err)
}

type inferenceRequest struct {
	FIO    string `json:"fio"`
	Gender string `json:"gender"`
	Promt  string `json:"promt"`
}

// handleInference generates images from the customer's Lora model.
func (s *Server) handleInference(ctx *fasthttp.RequestCtx) {
	var in inferenceRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		s.fail(ctx, fmt.Errorf("%w: %v", tattoo.ErrInvalidParams, err))
		return
	}
	fio := tattoo.Translit(in.FIO)
	if fio == "" {
		s.fail(ctx, fmt.Errorf("%w: fio is required", tattoo.ErrInvalidParams))
		return
	}
	gender, err := tattoo.ParseGender(in.Gender)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	modelDir, _, err := s.store.Dirs(tattoo.ModelLora, fio)
	if err != nil {
		s.fail(ctx, err)
		return
	}

	cctx, cancel := s.callContext()
	defer cancel()
	res, err := s.svc.Infer(cctx, tattoo.InferParams{
		ModelDir:   modelDir,
		Prompt:     in.Promt,
		TypePerson: gender,
	})
	s.respond(ctx, fio, res, err)
}

// respond publishes the produced images and writes their URLs. A task error
// is reported in the body with status 200, next to whatever was produced.
func (s *Server) respond(ctx *fasthttp.RequestCtx, fio string, res broker.TaskResult, err error) {
	if err != nil {
		s.fail(ctx, err)
		return
	}
	published, err := s.store.Publish(fio, res.Result)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	base := string(ctx.URI().Scheme()) + "://" + string(ctx.Host()) + "/static/"
	urls := lo.Map(published, func(rel string, _ int) string { return base + rel })
	if res.Failed() {
		s.logger.Info("task failed", zap.String("fio", fio), zap.String("error", res.Error))
	}
	s.writeJSON(ctx, fasthttp.StatusOK, Response{GeneratedImages: urls, Error: res.Error})
}
