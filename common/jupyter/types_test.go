package jupyter_test

import (
	"encoding/json"

	"github.com/huage1994/skein-provisioner/common/jupyter"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ConnectionInfo", func() {
	It("should keep the published payload verbatim", func() {
		payload := `{"ip":"10.0.0.2","transport":"tcp","shell_port":1,"iopub_port":2,"stdin_port":3,"control_port":4,"hb_port":5,"key":"abc","session_id":"s-1"}`

		info, err := jupyter.ParseConnectionInfo([]byte(payload))
		Expect(err).To(BeNil())
		Expect(info.IP).To(Equal("10.0.0.2"))
		Expect(info.Validate()).To(Succeed())

		Expect(json.Marshal(info)).To(MatchJSON(payload))
		Expect(info.String()).To(MatchJSON(payload))
		Expect(info.PrettyString(2)).To(MatchJSON(payload))
	})

	It("should encode the modeled fields when there is no payload", func() {
		info := &jupyter.ConnectionInfo{IP: "127.0.0.1", Transport: "tcp", ShellPort: 1, Key: "abc"}

		Expect(info.String()).To(MatchJSON(`{"ip":"127.0.0.1","transport":"tcp","shell_port":1,"iopub_port":0,"stdin_port":0,"control_port":0,"hb_port":0,"signature_scheme":"","key":"abc"}`))
		Expect(info.Validate()).To(MatchError(jupyter.ErrIncompleteConnection))
	})

	It("should reject payloads that are not JSON objects", func() {
		for _, payload := range []string{"{not json", "null", `["ip"]`, `"ip"`} {
			_, err := jupyter.ParseConnectionInfo([]byte(payload))
			Expect(err).To(MatchError(jupyter.ErrMalformedConnectionInfo), payload)
		}
	})
})
