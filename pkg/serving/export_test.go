package serving

import (
	"sync"

	"github.com/kunal/caffe-serving/pkg/caffe"
)

// ResetDevice forgets the process device choice so a test can make it again.
func ResetDevice() {
	deviceOnce = sync.Once{}
	deviceMode = caffe.CPU
	caffe.SetMode(caffe.CPU)
	caffe.SetDevice(-1)
}
