package producer

import (
	"encoding/json"

	"github.com/ndrandal/kline-engine/internal/model"
)

func encodeBar(bar model.Bar) ([]byte, error) {
	return json.Marshal(bar)
}
