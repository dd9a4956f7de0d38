// Comfyrun drives a ComfyUI server through its HTTP and websocket API: it uploads
// a source image, writes run time values into an API format workflow, queues it,
// follows the execution events of its own prompt and saves the output node's
// images as <node>-<seed>.png.
//
// The client package talks to the server, the workflow package loads and patches
// workflows, and cmd/comfyrun ties them together.
package comfyrun
