package rest

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// DefaultPayloadBytes is served when the size query is absent.
const DefaultPayloadBytes = 1 << 20

// PayloadHandler serves GET ?size=N with N zero bytes, capped at maxBytes.
// Bandwidth meters time the download. Agents mount it on their own listener.
func PayloadHandler(maxBytes int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		size := DefaultPayloadBytes
		if raw := c.Query("size"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return badRequest(c, "size must be a non-negative integer")
			}
			size = n
		}
		if maxBytes > 0 && size > maxBytes {
			size = maxBytes
		}

		c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
		c.Set(fiber.HeaderCacheControl, "no-store")
		return c.Send(make([]byte, size))
	}
}
