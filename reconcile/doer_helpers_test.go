package reconcile

import (
	"context"
	"net/http"

	"github.com/anguspalmer/servicenow/transport"
)

// recordingDoer wraps scriptedDoer, additionally invoking onCreate
// whenever a POST is issued to path, so a test can assert a create was
// (or wasn't) attempted.
type recordingDoer struct {
	scriptedDoer
	onCreate func(path string)
}

func (d *recordingDoer) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if req.Method == http.MethodPost && d.onCreate != nil {
		d.onCreate(req.Path)
	}
	return d.scriptedDoer.Do(ctx, req)
}

// deletingDoer wraps scriptedDoer, invoking record with the path of
// every DELETE issued, so a test can assert exactly which rows were
// removed.
type deletingDoer struct {
	scriptedDoer
	record func(path string)
}

func (d *deletingDoer) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if req.Method == http.MethodDelete {
		if d.record != nil {
			d.record(req.Path)
		}
		return &transport.Response{Kind: transport.KindEmpty}, nil
	}
	return d.scriptedDoer.Do(ctx, req)
}

// togglingDoer answers the two calls Policy.Toggle makes: a GET lookup
// of the owned policy record, and a PUT that flips its active flag.
// record is invoked with the PUT's "active" value on every toggle.
type togglingDoer struct {
	policyID string
	record   func(active string)
}

func (d *togglingDoer) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	switch req.Method {
	case http.MethodGet:
		return &transport.Response{Kind: transport.KindJSON, JSON: map[string]interface{}{
			"result": []interface{}{map[string]interface{}{"sys_id": d.policyID}},
		}}, nil
	case http.MethodPut:
		body, _ := req.Body.(map[string]string)
		if d.record != nil {
			d.record(body["active"])
		}
		return &transport.Response{Kind: transport.KindJSON, JSON: map[string]interface{}{
			"result": map[string]interface{}{"sys_id": d.policyID},
		}}, nil
	default:
		return &transport.Response{Kind: transport.KindEmpty}, nil
	}
}
