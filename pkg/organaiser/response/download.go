package response

import (
	"context"
	"iter"
	"net/http"
	"sync"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/message"
)

// Download is an attachment with its contents, or the error reading it.
type Download struct {
	Attachment message.Attachment
	Data       []byte
	Err        error
}

// ReadAttachments downloads attachments concurrently as they are produced and
// yields them in completion order.
func (r *Response) ReadAttachments(ctx context.Context, client *http.Client) iter.Seq[Download] {
	return func(yield func(Download) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		results := make(chan Download)
		var wg sync.WaitGroup

		go func() {
			for a := range r.Attachments(ctx) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					data, err := a.Read(ctx, client)
					select {
					case results <- Download{Attachment: a, Data: data, Err: err}:
					case <-ctx.Done():
					}
				}()
			}
			wg.Wait()
			close(results)
		}()

		for d := range results {
			if !yield(d) {
				return
			}
		}
	}
}
