package cmd_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/lumen/cmd"
	"github.com/luma/lumen/encryption"
)

var _ = Describe("cmd", func() {
	var out *bytes.Buffer

	run := func(args ...string) error {
		cmd.RootCmd.SetArgs(args)
		return cmd.RootCmd.ExecuteContext(context.Background())
	}

	BeforeEach(func() {
		out = &bytes.Buffer{}
		cmd.RootCmd.SetOut(out)
		cmd.RootCmd.SetErr(&bytes.Buffer{})
	})

	Describe("keygen", func() {
		It("prints a usable key pair", func() {
			Expect(run("keygen")).To(Succeed())

			vars := map[string]string{}
			for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
				parts := strings.SplitN(line, "=", 2)
				Expect(parts).To(HaveLen(2))
				vars[parts[0]] = parts[1]
			}

			sec, err := encryption.ParseSecretKey(vars["LUMEN_SECRET_KEY"])
			Expect(err).To(Succeed())
			pub, err := encryption.ParsePublicKey(vars["LUMEN_PUBLIC_KEY"])
			Expect(err).To(Succeed())

			derived, err := encryption.PublicKeyOf(sec)
			Expect(err).To(Succeed())
			Expect(derived).To(Equal(pub))
		})
	})

	Describe("version", func() {
		It("prints the build information", func() {
			Expect(run("version")).To(Succeed())
			Expect(out.String()).To(HavePrefix("lumen dev"))
		})
	})

	Describe("gen man", func() {
		It("writes a page per command", func() {
			dir, err := os.MkdirTemp("", "lumen-man")
			Expect(err).To(Succeed())
			defer os.RemoveAll(dir)

			Expect(run("gen", "man", "--dir", dir)).To(Succeed())

			for _, page := range []string{"lumen.1", "lumen-publish.1", "lumen-subscribe.1", "lumen-keygen.1"} {
				Expect(filepath.Join(dir, page)).To(BeAnExistingFile())
			}
		})
	})

	Describe("publish", func() {
		It("rejects a payload that is not JSON", func() {
			err := run("publish", "orders", "{not json")
			Expect(err).To(MatchError("The payload must be valid JSON"))
		})

		It("needs a topic and a payload", func() {
			Expect(run("publish", "orders")).To(HaveOccurred())
		})
	})
})
