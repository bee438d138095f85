/*
Package sandbox evaluates one user script in a fresh goja runtime.

A Sandbox is built per script evaluation and discarded afterwards. The runtime
starts with the host globals (require, process, module, exports) removed and
receives only:

  - GM, the capability set bound to the script
  - window, document and XPathResult over a private copy of the page
  - console, captured into the Result

Under the Isolated strategy the assembled source runs inside a closure that
copies those bindings into locals and deletes them from the global object
before any script code runs. Scripts declaring @unwrap run under Ambient,
with GM_* aliases left as globals.

Faults are returned as *EvaluationError, attributed to the @require or body
line that raised them.

	sb, err := sandbox.Build(cfg, script, asm, caps, dom)
	if err != nil {
		return err
	}
	result, err := sb.Run(ctx)
*/
package sandbox
