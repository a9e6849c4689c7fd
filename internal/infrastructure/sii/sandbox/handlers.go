package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/erp/dte/internal/infrastructure/signer"
	"github.com/erp/dte/internal/infrastructure/sii"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const timestampLayout = "2006-01-02 15:04:05"

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"estado": "OK"})
}

func (s *Server) handleSeed(c *gin.Context) {
	seed := fmt.Sprintf("%012d", rand.Int64N(1_000_000_000_000))

	s.mu.Lock()
	s.seeds[seed] = s.clock.Now().Add(seedTTL)
	s.mu.Unlock()

	writeRespuesta(c, http.StatusOK, "SEMILLA", seed, "")
}

func (s *Server) handleToken(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeRespuesta(c, http.StatusBadRequest, "", "", "cuerpo ilegible")
		return
	}
	seed, cert, err := signer.VerifySeed(body)
	if err != nil {
		s.logger.Warn("seed signature rejected", zap.Error(err))
		writeRespuesta(c, http.StatusUnauthorized, "", "", "firma de semilla invalida")
		return
	}

	s.mu.Lock()
	expires, ok := s.seeds[seed]
	delete(s.seeds, seed)
	now := s.clock.Now()
	valid := ok && now.Before(expires) && now.Before(cert.NotAfter) && !now.Before(cert.NotBefore)
	var token string
	if valid {
		token = strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
		s.tokens[token] = now.Add(s.tokenTTL)
	}
	s.mu.Unlock()

	if !valid {
		writeRespuesta(c, http.StatusUnauthorized, "", "", "semilla desconocida o certificado fuera de vigencia")
		return
	}
	s.logger.Info("token issued", zap.String("subject", cert.Subject.CommonName))
	writeRespuesta(c, http.StatusOK, "TOKEN", token, "")
}

func (s *Server) handleUpload(c *gin.Context) {
	s.mu.Lock()
	fail := s.failUploads > 0
	if fail {
		s.failUploads--
	}
	s.mu.Unlock()
	if fail {
		c.JSON(http.StatusServiceUnavailable, sii.ErrorResponse{Codigo: sii.ErrorCodeUnavailable, Glosa: "servicio no disponible"})
		return
	}

	fh, err := c.FormFile("archivo")
	if err != nil {
		schemaError(c, "falta archivo")
		return
	}
	f, err := fh.Open()
	if err != nil {
		schemaError(c, "archivo ilegible")
		return
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		schemaError(c, "archivo ilegible")
		return
	}

	env, err := sii.ParseEnvelope(data)
	if err != nil {
		schemaError(c, err.Error())
		return
	}
	rutCompany := c.PostForm("rutCompany") + "-" + c.PostForm("dvCompany")
	if body, dv := sii.SplitRUT(env.EmitterRUT); body+"-"+dv != rutCompany {
		schemaError(c, "rutCompany no coincide con RutEmisor")
		return
	}

	// Every DTE is verified up front; bad signatures surface later as a rejection.
	var findings []sii.StatusDetail
	for i, d := range env.Documents {
		ok, err := signer.VerifyEmbedded(d.XML)
		if err != nil || !ok {
			findings = append(findings, sii.StatusDetail{Seccion: "DTE", Linea: i + 1, Descripcion: "firma del documento invalida"})
		}
	}

	s.mu.Lock()
	for _, d := range env.Documents {
		if prior, dup := s.uploaded[folioKey{env.EmitterRUT, d.DocumentType, d.Folio}]; dup {
			s.mu.Unlock()
			c.JSON(http.StatusConflict, sii.ErrorResponse{
				Codigo: sii.ErrorCodeDuplicateFolio,
				Glosa:  fmt.Sprintf("folio %d tipo %d ya recibido (trk_id %s)", d.Folio, d.DocumentType, prior),
			})
			return
		}
	}
	s.nextTrackID++
	trackID := strconv.FormatInt(s.nextTrackID, 10)
	now := s.clock.Now()
	first := env.Documents[0]
	for _, d := range env.Documents {
		if reason, reject := s.rejectFolios[d.Folio]; reject {
			findings = append(findings, sii.StatusDetail{Seccion: "DTE", Linea: 1, Descripcion: reason})
		}
	}
	sub := &Submission{
		TrackID:      trackID,
		EmitterRUT:   env.EmitterRUT,
		SenderRUT:    env.SenderRUT,
		DocumentType: first.DocumentType,
		Folio:        first.Folio,
		ReceivedAt:   now,
		Estado:       "REC",
		Errors:       findings,
	}
	s.submissions[trackID] = sub
	for _, d := range env.Documents {
		s.uploaded[folioKey{env.EmitterRUT, d.DocumentType, d.Folio}] = trackID
	}
	omit := s.omitTrackID
	s.mu.Unlock()

	resp := sii.UploadResponse{
		RutEmisor:      env.EmitterRUT,
		RutEnvia:       env.SenderRUT,
		TrackID:        json.Number(trackID),
		Estado:         "REC",
		FechaRecepcion: now.Format(timestampLayout),
	}
	if omit {
		resp.TrackID = ""
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	trackID := c.Param("trackID")

	s.mu.Lock()
	if s.failStatus > 0 {
		s.failStatus--
		s.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, sii.ErrorResponse{Codigo: sii.ErrorCodeUnavailable, Glosa: "servicio no disponible"})
		return
	}
	sub, ok := s.submissions[trackID]
	if !ok {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, sii.ErrorResponse{Codigo: sii.ErrorCodeNotFound, Glosa: "trk_id desconocido"})
		return
	}
	sub.Polls++
	switch {
	case sub.Polls <= s.pollsBeforeAccept:
		sub.Estado = "SOK"
	case len(sub.Errors) > 0:
		sub.Estado = "RCH"
	default:
		sub.Estado = "EPR"
	}
	resp := sii.StatusResponse{
		TrackID: json.Number(sub.TrackID),
		Estado:  sub.Estado,
		Glosa:   glosaFor(sub.Estado),
	}
	if sub.Estado == "RCH" {
		resp.Errores = append(resp.Errores, sub.Errors...)
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, resp)
}

func glosaFor(estado string) string {
	switch estado {
	case "EPR":
		return "Envio procesado"
	case "RCH":
		return "Rechazado por error en envio"
	default:
		return "Schema validado"
	}
}

func (s *Server) handleFolioRequest(c *gin.Context) {
	var req sii.FolioRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		schemaError(c, err.Error())
		return
	}

	s.mu.Lock()
	key := rangeKey{strings.ToUpper(req.RutEmisor), req.TipoDTE}
	from := s.nextGrant[key]
	if from == 0 {
		from = 1
	}
	to := from + int64(req.Cantidad) - 1
	s.nextGrant[key] = to + 1
	s.nextRequestID++
	id := fmt.Sprintf("SOL-%06d", s.nextRequestID)
	s.grants[id] = &folioGrant{emitter: req.RutEmisor, docType: req.TipoDTE, from: from, to: to, at: s.clock.Now()}
	s.mu.Unlock()

	c.JSON(http.StatusOK, sii.FolioRequestResponse{
		IDSolicitud: id,
		Estado:      "APROBADA",
		Glosa:       fmt.Sprintf("folios %d a %d autorizados", from, to),
	})
}

func (s *Server) handleCAF(c *gin.Context) {
	s.mu.Lock()
	grant, ok := s.grants[c.Param("requestID")]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, sii.ErrorResponse{Codigo: sii.ErrorCodeNotFound, Glosa: "solicitud desconocida"})
		return
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0"`)
	caf := doc.CreateElement("AUTORIZACION").CreateElement("CAF")
	caf.CreateAttr("version", "1.0")
	da := caf.CreateElement("DA")
	da.CreateElement("RE").SetText(grant.emitter)
	da.CreateElement("RS").SetText("SANDBOX")
	da.CreateElement("TD").SetText(strconv.Itoa(grant.docType))
	rng := da.CreateElement("RNG")
	rng.CreateElement("D").SetText(strconv.FormatInt(grant.from, 10))
	rng.CreateElement("H").SetText(strconv.FormatInt(grant.to, 10))
	da.CreateElement("FA").SetText(grant.at.Format("2006-01-02"))

	out, err := doc.WriteToBytes()
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/xml", out)
}

// writeRespuesta answers seed and token calls in the authority's XML shape
func writeRespuesta(c *gin.Context, status int, field, value, glosa string) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("RESPUESTA")
	if field != "" {
		root.CreateElement("RESP_BODY").CreateElement(field).SetText(value)
	}
	hdr := root.CreateElement("RESP_HDR")
	if status == http.StatusOK {
		hdr.CreateElement("ESTADO").SetText(sii.EstadoOK)
	} else {
		hdr.CreateElement("ESTADO").SetText("-07")
		hdr.CreateElement("GLOSA").SetText(glosa)
	}
	out, err := doc.WriteToBytes()
	if err != nil {
		_ = c.Error(errors.Join(errors.New("write RESPUESTA"), err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(status, "application/xml", out)
}

func schemaError(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, sii.ErrorResponse{Codigo: sii.ErrorCodeSchema, Glosa: msg})
}
