package tattoo

import (
	"context"

	"github.com/mrjvadi/tattoo-broker/broker"
)

// Runner is the model side of a worker. Implementations return the paths of
// the images they wrote.
type Runner interface {
	Train(ctx context.Context, p TrainParams) ([]string, error)
	Infer(ctx context.Context, p InferParams) ([]string, error)
}

// Register binds model_train and model_inference on w to r.
func Register(w *broker.Worker, r Runner) {
	w.OnTask(broker.TaskTrain, func(c *broker.Context) ([]string, error) {
		var p TrainParams
		if err := c.Bind(&p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return r.Train(c.Ctx(), p)
	})
	w.OnTask(broker.TaskInfer, func(c *broker.Context) ([]string, error) {
		var p InferParams
		if err := c.Bind(&p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return r.Infer(c.Ctx(), p)
	})
}
